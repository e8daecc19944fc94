package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imagecache/internal/pathcodec"
)

// fallbackDirName 是 CacheRoot 不可写时在系统临时目录下使用的目录名。
const fallbackDirName = "imagecache-fallback"

// NewStore 以 basePath 为根目录构建磁盘缓存，目录不存在时自动创建。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("cache root required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	return &fileStore{basePath: abs, mode: ModePersistent}, nil
}

// OpenStore 尝试使用 basePath；失败时先退回系统临时目录，再失败则返回禁用模式的 Store。
// 任何情况下都不会返回错误，文件系统故障只会让缓存降级而不会影响宿主进程。
func OpenStore(basePath string, logger *logrus.Logger) Store {
	store, err := NewStore(basePath)
	if err == nil {
		return store
	}

	var errs error
	errs = multierror.Append(errs, err)

	fallback := filepath.Join(os.TempDir(), fallbackDirName)
	mkErr := os.MkdirAll(fallback, 0o755)
	if mkErr == nil {
		logWarn(logger, logrus.Fields{
			"action":   "cache_root_fallback",
			"root":     basePath,
			"fallback": fallback,
		}, errs)
		return &fileStore{basePath: fallback, mode: ModeEphemeral}
	}
	errs = multierror.Append(errs, fmt.Errorf("create fallback root: %w", mkErr))

	logWarn(logger, logrus.Fields{
		"action": "cache_disabled",
		"root":   basePath,
	}, errs)
	return &fileStore{mode: ModeDisabled}
}

func logWarn(logger *logrus.Logger, fields logrus.Fields, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(fields).WithError(err).Warn("cache_store_degraded")
}

// fileStore 把 URL 映射到 basePath 下的文件；禁用模式下 basePath 为空。
type fileStore struct {
	basePath string
	mode     Mode
}

func (s *fileStore) Root() string {
	return s.basePath
}

func (s *fileStore) Mode() Mode {
	return s.mode
}

func (s *fileStore) Path(url string) (string, error) {
	if s.mode == ModeDisabled {
		return "", ErrStoreDisabled
	}

	rel := pathcodec.URLToRelativePath(url)
	if rel == "" {
		return "", ErrInvalidURL
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", ErrInvalidURL
	}
	if isReserved(rel) {
		return "", ErrReservedPath
	}

	filePath := filepath.Join(s.basePath, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filePath, nil
}

// isReserved 报告相对路径是否落在索引目录内，或与暂存/临时文件同名。
func isReserved(rel string) bool {
	if rel == MetaDir || strings.HasPrefix(rel, MetaDir+"/") {
		return true
	}
	base := path.Base(rel)
	return strings.HasSuffix(base, StagingSuffix) ||
		strings.HasPrefix(base, DownloadTempPrefix) ||
		strings.HasPrefix(base, cacheTempPrefix)
}

func (s *fileStore) Lookup(url string) (string, bool) {
	filePath, err := s.Path(url)
	if err != nil {
		return "", false
	}

	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return "", false
	}
	return filePath, true
}

func (s *fileStore) Prepare(url string) (string, error) {
	filePath, err := s.Path(url)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return filePath, nil
}

func (s *fileStore) Remove(url string) error {
	filePath, err := s.Path(url)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteFileAtomic 先写入同目录下的临时文件再 rename 到 filePath，
// 读者要么看到旧文件，要么看到完整的新文件。返回写入的字节数。
func WriteFileAtomic(ctx context.Context, filePath string, body io.Reader, tempPattern string) (int64, error) {
	if tempPattern == "" {
		tempPattern = cacheTempPrefix + "*"
	}
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), tempPattern)
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return written, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return written, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
