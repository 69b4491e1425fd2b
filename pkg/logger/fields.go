package logger

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	MemoryIDKey     = "memory.id"
	GenerationKey   = "memory.generation"
	GuestAddressKey = "guest.addr"
)

func WithMemoryID(memoryID string) zap.Field {
	return zap.String(MemoryIDKey, memoryID)
}

func WithGeneration(generation uint64) zap.Field {
	return zap.Uint64(GenerationKey, generation)
}

// WithGuestAddress logs a guest physical address in hex, the way the hypervisor reports them.
func WithGuestAddress(addr uint64) zap.Field {
	return zap.String(GuestAddressKey, fmt.Sprintf("%#x", addr))
}

func WithRegion(base, size uint64) zap.Field {
	return zap.Dict("region",
		zap.String("base", fmt.Sprintf("%#x", base)),
		zap.Uint64("size", size),
	)
}
