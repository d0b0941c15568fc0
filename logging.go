package lfcount

import "go.uber.org/zap"

// Structured diagnostics, grounded on matrixorigin-matrixone/pkg/logutil's
// style of wrapping a *zap.Logger with fields rather than formatted
// strings. Unlike that package's daemon-wide global logger, a table keeps
// its own *zap.Logger (default zap.NewNop()) so an unconfigured caller gets
// silence, not noise on someone else's global logger.

func logConstruction(log *zap.Logger, size uint64, keyLen, valLen int, reprobeLimit uint32) {
	log.Info("table constructed",
		zap.Uint64("size", size),
		zap.Int("key_len", keyLen),
		zap.Int("val_len", valLen),
		zap.Uint32("reprobe_limit", reprobeLimit),
	)
}

func logAllocationFailure(log *zap.Logger, err error) {
	log.Error("backing block allocation failed", zap.Error(err))
}

func logTableFull(log *zap.Logger, hashedSlot uint64, reprobes uint32) {
	log.Warn("reprobe budget exhausted",
		zap.Uint64("hashed_slot", hashedSlot),
		zap.Uint32("reprobes", reprobes),
	)
}

func logClear(log *zap.Logger, size uint64) {
	log.Info("table cleared", zap.Uint64("size", size))
}
