package cache

import "errors"

// Store 管理缓存根目录下的图片文件。磁盘布局遵循：
//
//	<CacheRoot>/<pathcodec.URLToRelativePath(url)>
//
// 文件只在下载完整后通过 rename 出现在该路径上，因此存在即代表可用。
type Store interface {
	// Root 返回当前生效的缓存根目录；禁用模式下为空串。
	Root() string

	// Mode 返回存储当前的工作模式。
	Mode() Mode

	// Path 返回 url 对应的绝对文件路径，不检查文件是否存在。
	Path(url string) (string, error)

	// Lookup 仅当文件此刻存在于磁盘上时返回其绝对路径。
	Lookup(url string) (string, bool)

	// Prepare 创建目标文件的父目录并返回绝对路径，供传输层写入。
	Prepare(url string) (string, error)

	// Remove 删除 url 对应的文件；文件不存在不视为错误。
	Remove(url string) error
}

// Mode 描述文件系统故障后的降级状态。
type Mode string

const (
	// ModePersistent 使用配置的 CacheRoot。
	ModePersistent Mode = "persistent"
	// ModeEphemeral 表示 CacheRoot 不可用，已退回到系统临时目录，进程退出后不保证保留。
	ModeEphemeral Mode = "ephemeral"
	// ModeDisabled 表示没有任何可写目录，所有查找均未命中、所有下载请求被拒绝。
	ModeDisabled Mode = "disabled"
)

// NeverExpires 是索引中"永不过期"的哨兵值。
const NeverExpires int64 = -1

// 以下名字不属于 URL 映射空间，Path 会拒绝落在其上的 URL。
const (
	// MetaDir 存放索引文件及其临时文件，位于缓存根目录下。
	MetaDir = ".meta"
	// StagingSuffix 标记下载完成但尚未通过校验的暂存文件。
	StagingSuffix = ".part"
	// DownloadTempPrefix 是传输层写入中的临时文件前缀。
	DownloadTempPrefix = ".download-"

	cacheTempPrefix = ".cache-"
)

var (
	// ErrInvalidURL 表示 URL 为空或无法映射为缓存路径。
	ErrInvalidURL = errors.New("invalid image url")
	// ErrInvalidPath 表示映射结果越出缓存根目录。
	ErrInvalidPath = errors.New("invalid cache path")
	// ErrReservedPath 表示映射结果与索引目录或暂存文件重名。
	ErrReservedPath = errors.New("reserved cache path")
	// ErrStoreDisabled 表示存储处于禁用模式。
	ErrStoreDisabled = errors.New("cache store disabled")
)
