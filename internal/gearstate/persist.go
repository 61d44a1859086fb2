package gearstate

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/atomicio"
	"artifactsbot/internal/model"
)

const persistDebounce = 250 * time.Millisecond
const fileVersion = 2

// FilePersister is the default Persister, an atomic single-file JSON
// snapshot.
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

func (p *FilePersister) Save(file model.GearStateFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return atomicio.WriteFileAtomic(p.path, data, 0o644)
}

func (p *FilePersister) Load() (*model.GearStateFile, error) {
	data, err := atomicio.ReadFile(p.path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var file model.GearStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// schedulePersist debounces a save shortly after the most recent
// recompute. Must be called with p.mu held.
func (p *Planner) schedulePersist() {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
	}
	p.flushTimer = time.AfterFunc(persistDebounce, p.flushNow)
}

func (p *Planner) flushNow() {
	p.mu.Lock()
	file := model.GearStateFile{
		Version:              fileVersion,
		UpdatedAtMs:          p.clock.NowMs(),
		BankRevisionSnapshot: p.lastBankRev,
		Levels:               levelsSnapshot(p.chars),
		Characters:           cloneRows(p.rows),
	}
	p.mu.Unlock()

	if err := p.pers.Save(file); err != nil {
		p.log.Error("gear-state persist failed", zap.Error(err))
	}
}

// Flush forces an immediate synchronous save.
func (p *Planner) Flush() error {
	p.mu.Lock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	file := model.GearStateFile{
		Version:              fileVersion,
		UpdatedAtMs:          p.clock.NowMs(),
		BankRevisionSnapshot: p.lastBankRev,
		Levels:               levelsSnapshot(p.chars),
		Characters:           cloneRows(p.rows),
	}
	p.mu.Unlock()

	if p.pers == nil {
		return nil
	}
	return p.pers.Save(file)
}

// ClearPersisted wipes every cached row and immediately persists the
// empty state, so the next Recompute starts from scratch.
func (p *Planner) ClearPersisted() error {
	p.mu.Lock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	p.rows = map[string]*model.GearStateRow{}
	p.lastBankRev = 0
	file := model.GearStateFile{
		Version:     fileVersion,
		UpdatedAtMs: p.clock.NowMs(),
		Characters:  map[string]*model.GearStateRow{},
	}
	p.mu.Unlock()

	if p.pers == nil {
		return nil
	}
	return p.pers.Save(file)
}

func levelsSnapshot(chars map[string]model.CharacterRecord) map[string]int {
	out := make(map[string]int, len(chars))
	for name, c := range chars {
		out[name] = c.Level
	}
	return out
}

func cloneRows(rows map[string]*model.GearStateRow) map[string]*model.GearStateRow {
	out := make(map[string]*model.GearStateRow, len(rows))
	for name, r := range rows {
		out[name] = r.Clone()
	}
	return out
}
