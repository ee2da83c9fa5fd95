package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
)

// NewStorage 根据 driver 选择存储后端；空 driver 等价于 fs。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverLevelDB:
		if basePath == "" {
			return nil, fmt.Errorf("storage path required")
		}
		return NewLevelStorage(filepath.Join(basePath, "leveldb"))
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
