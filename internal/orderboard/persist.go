package orderboard

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/atomicio"
	"artifactsbot/internal/model"
)

// FilePersister is the default Persister, writing an atomic JSON snapshot
// to a single path: one file, written atomically, debounced to avoid a
// write storm under rapid mutation.
type FilePersister struct {
	path string
	log  *zap.Logger
}

// NewFilePersister builds a FilePersister rooted at path.
func NewFilePersister(path string, log *zap.Logger) *FilePersister {
	if log == nil {
		log = zap.NewNop()
	}
	return &FilePersister{path: path, log: log}
}

// Save writes file atomically as indented JSON.
func (p *FilePersister) Save(file model.OrderBoardFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return atomicio.WriteFileAtomic(p.path, data, 0o644)
}

// Load reads the persisted file, returning (nil, nil) if it doesn't exist.
func (p *FilePersister) Load() (*model.OrderBoardFile, error) {
	data, err := atomicio.ReadFile(p.path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var file model.OrderBoardFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// schedulePersistLocked debounces a Save call ~persistDebounce after the
// most recent mutation. Must be called with b.mu held.
func (b *Board) schedulePersistLocked() {
	if b.pers == nil {
		return
	}
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	b.flushTimer = time.AfterFunc(persistDebounce, b.flushNow)
}

func (b *Board) flushNow() {
	b.mu.Lock()
	file := model.OrderBoardFile{
		Version:     fileVersion,
		UpdatedAtMs: b.clock.NowMs(),
		Orders:      cloneOrdersLocked(b.orders),
	}
	b.mu.Unlock()

	if err := b.pers.Save(file); err != nil {
		b.log.Error("order board persist failed", zap.Error(err))
	}
}

// Flush forces an immediate synchronous save, bypassing the debounce timer.
// Used on graceful shutdown so the last mutation isn't lost to a pending
// timer.
func (b *Board) Flush() error {
	b.mu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	file := model.OrderBoardFile{
		Version:     fileVersion,
		UpdatedAtMs: b.clock.NowMs(),
		Orders:      cloneOrdersLocked(b.orders),
	}
	b.mu.Unlock()

	if b.pers == nil {
		return nil
	}
	return b.pers.Save(file)
}

func cloneOrdersLocked(orders map[string]*model.Order) []*model.Order {
	out := make([]*model.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Clone())
	}
	return out
}
