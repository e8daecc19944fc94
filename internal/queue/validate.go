package queue

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/webp"
)

// Validator 判断下载得到的文件是否可用，返回 nil 表示通过。
type Validator func(path string) error

// ErrEmptyImage 表示文件可以解码但宽或高为 0。
var ErrEmptyImage = errors.New("image has zero dimension")

// ValidateImage 完整解码文件（png/jpeg/gif/webp），截断或损坏的内容会解码失败。
func ValidateImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return fmt.Errorf("%s: %w", format, ErrEmptyImage)
	}
	return nil
}
