package explorer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	xerrors "EVMQuery-Chain/internal/errors"
)

const (
	abiFileName    = "abi.json"
	sourceFileName = "sourceCode.sol"
)

// FileCache 按 <dir>/<chainId>/<address>/{abi.json,sourceCode.sol} 布局缓存元数据。
type FileCache struct {
	dir string
	mu  sync.RWMutex
}

// NewFileCache 创建文件缓存，目录会在首次写入时创建。
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "cache directory is empty")
	}
	return &FileCache{dir: dir}, nil
}

func (c *FileCache) entryDir(chainID, address string) string {
	return filepath.Join(c.dir, filepath.Base(chainID), filepath.Base(NormalizeAddress(address)))
}

// Get 实现 Cache，两个文件都存在时才算命中。
func (c *FileCache) Get(ctx context.Context, chainID, address string) (ContractData, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := c.entryDir(chainID, address)
	abiBytes, err := os.ReadFile(filepath.Join(dir, abiFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return ContractData{}, false, nil
	}
	if err != nil {
		return ContractData{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read cached abi")
	}
	source, err := os.ReadFile(filepath.Join(dir, sourceFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return ContractData{}, false, nil
	}
	if err != nil {
		return ContractData{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read cached source code")
	}
	return ContractData{ABI: abiBytes, SourceCode: string(source)}, true, nil
}

// Put 实现 Cache，先写临时文件再重命名，读者不会看到半写入的内容。
func (c *FileCache) Put(ctx context.Context, chainID, address string, data ContractData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.entryDir(chainID, address)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create cache directory")
	}
	if err := writeAtomic(filepath.Join(dir, abiFileName), data.ABI); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, sourceFileName), []byte(data.SourceCode))
}

func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create temp cache file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write temp cache file")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "close temp cache file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit cache file")
	}
	return nil
}
