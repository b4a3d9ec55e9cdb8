package index

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// cleanShutdownMarker is the zero-byte file whose presence is the sole
// signal that the prior shutdown was orderly.
const cleanShutdownMarker = "cleanshutdown"

// IndexPersistor is the background flusher. It holds a non-owning back
// reference to its PersistentIndex — its lifetime is strictly bounded by
// the index's, and it never closes the index itself.
type IndexPersistor struct {
	index  *PersistentIndex
	logger *zap.Logger
	cancel func()
}

func newIndexPersistor(pi *PersistentIndex, logger *zap.Logger) *IndexPersistor {
	return &IndexPersistor{index: pi, logger: logger.Named("persistor")}
}

// start schedules write to run periodically, jittering the initial delay.
func (p *IndexPersistor) start(scheduler Scheduler, cfg Config) {
	delay := jitteredDelay(cfg.Persistor.FlushDelay, cfg.Persistor.FlushDelayJitter)
	p.cancel = scheduler.Schedule("index-persistor", p.runOnce, delay, cfg.Persistor.FlushInterval)
}

// runOnce is the scheduled task body: it swallows and logs errors so a
// transient I/O failure doesn't kill the background loop.
func (p *IndexPersistor) runOnce() {
	if err := p.write(); err != nil {
		p.logger.Error("flush failed, will retry next tick", zap.Error(err))
	}
}

// write performs one flush pass. The ordering matters: log first, then
// unmapped earlier segments (promoted to mapped), then the active segment,
// so no persisted index record ever references an un-flushed log byte.
func (p *IndexPersistor) write() error {
	p.index.mu.Lock()
	defer p.index.mu.Unlock()

	if len(p.index.segments) == 0 {
		return nil
	}

	active := p.index.segments[len(p.index.segments)-1]
	fileEndPointerBeforeFlush := p.index.log.GetLogEndOffset()

	if err := p.index.log.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	currentLogEndPointer := p.index.log.GetLogEndOffset()

	for i := len(p.index.segments) - 2; i >= 0; i-- {
		prev := p.index.segments[i]
		if prev.IsMapped() {
			break
		}

		prevEnd, ok := prev.EndOffset()
		if ok && prevEnd > currentLogEndPointer {
			return fmt.Errorf("%w: segment %d claims bytes past the log end %d", ErrIOError, prev.StartOffset(), currentLogEndPointer)
		}

		if err := prev.writeIndexToFile(prevEnd); err != nil {
			return err
		}
		if err := prev.mapSegment(true); err != nil {
			return err
		}
	}

	return active.writeIndexToFile(fileEndPointerBeforeFlush)
}

// close runs one final synchronous write, then creates the clean-shutdown
// marker. A missing marker on the next startup is the sole signal of an
// unclean shutdown.
func (p *IndexPersistor) close() error {
	if p.cancel != nil {
		p.cancel()
	}

	if err := p.write(); err != nil {
		return err
	}

	return createCleanShutdownMarker(p.index.dataDir)
}

func createCleanShutdownMarker(dataDir string) error {
	f, err := os.Create(markerPath(dataDir))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return f.Close()
}

func markerPath(dataDir string) string {
	return filepath.Join(dataDir, cleanShutdownMarker)
}
