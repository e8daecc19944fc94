package pathcodec

import "strings"

// DefaultExtension 在最后一段缺少可识别图片扩展名时追加。
const DefaultExtension = ".png"

// schemePrefixes 按顺序各移除一次（仅第一次出现），与历史缓存目录保持一致。
var schemePrefixes = []string{"https://", "http://", "www.", "blob:"}

var imageExtensions = map[string]struct{}{
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"gif":  {},
	"webp": {},
}

var unsafeChars = strings.NewReplacer("?", "_", "&", "-")

// URLToRelativePath 返回 url 对应的相对缓存路径（"/" 分隔），无法映射时返回空串。
//
//	https://example.com/a/b/pic?x=1&y=2  ->  example.com/a/b/pic_x=1-y=2.png
func URLToRelativePath(url string) string {
	if url == "" {
		return ""
	}

	output := url
	for _, prefix := range schemePrefixes {
		output = strings.Replace(output, prefix, "", 1)
	}
	output = unsafeChars.Replace(output)
	output = strings.TrimSuffix(output, "/")
	if output == "" {
		return ""
	}

	segments := strings.Split(output, "/")
	if len(segments) == 1 {
		// 单段输入视为可信文件名，原样返回。
		return output
	}

	last := segments[len(segments)-1]
	if strings.HasSuffix(last, ".") {
		// 空扩展名：去掉末尾的 "."，不再补 .png。
		return strings.TrimSuffix(output, ".")
	}
	if HasImageExtension(last) {
		return output
	}
	return output + DefaultExtension
}

// HasImageExtension 判断文件名最后一个 "." 之后的部分是否为受支持的图片扩展名，大小写不敏感。
func HasImageExtension(name string) bool {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(name[idx+1:])]
	return ok
}
