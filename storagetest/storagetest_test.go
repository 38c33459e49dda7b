package storagetest

import (
	"testing"

	"github.com/abblix/oidcore/storage"
	storagemem "github.com/abblix/oidcore/storage/memory"
)

func TestMemoryStorageConformance(t *testing.T) {
	RunStorage(t, func() storage.Storage { return storagemem.New(nil) })
}

func TestMemoryTokenRegistryConformance(t *testing.T) {
	RunTokenRegistry(t, func() storage.TokenRegistry { return storagemem.NewTokenRegistry() })
}
