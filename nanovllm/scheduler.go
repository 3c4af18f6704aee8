package nanovllm

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
)

// Scheduler manages sequence scheduling for prefill and decode phases
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	maxModelLen         int
	eos                 int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List

	// onRelease is called whenever a sequence gives its blocks back, either
	// on finish or on preemption.
	onRelease func(seq *Sequence)
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		maxModelLen:         config.MaxModelLen,
		eos:                 config.EOS,
		blockManager:        NewBlockManager(config.numBlocks(), config.KVCacheBlockSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// OnRelease registers a callback run when a sequence's blocks are freed
func (s *Scheduler) OnRelease(fn func(seq *Sequence)) {
	s.onRelease = fn
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// NumWaiting returns the length of the waiting queue
func (s *Scheduler) NumWaiting() int {
	return s.waiting.Len()
}

// NumRunning returns the length of the running queue
func (s *Scheduler) NumRunning() int {
	return s.running.Len()
}

// Add adds a sequence to the waiting queue. Sequences that could never be
// scheduled are rejected.
func (s *Scheduler) Add(seq *Sequence) error {
	seq.BlockSize = s.blockManager.BlockSize()
	if seq.Len() > s.maxModelLen {
		return fmt.Errorf("prompt of %d tokens exceeds max_model_len %d", seq.Len(), s.maxModelLen)
	}
	if seq.Len() > s.maxNumBatchedTokens {
		return fmt.Errorf("prompt of %d tokens exceeds max_num_batched_tokens %d", seq.Len(), s.maxNumBatchedTokens)
	}
	if seq.NumBlocks() > s.blockManager.NumBlocks() {
		return fmt.Errorf("prompt needs %d kv blocks, pool has %d: %w", seq.NumBlocks(), s.blockManager.NumBlocks(), ErrNoFreeBlocks)
	}
	s.waiting.PushBack(seq)
	return nil
}

// Schedule picks the sequences for the next step and reports whether it is
// a prefill step. Waiting sequences are admitted first; when none fit, every
// running sequence decodes one token, preempting from the back of the
// running queue when blocks run out.
func (s *Scheduler) Schedule() ([]*Sequence, bool, error) {
	scheduledSeqs := make([]*Sequence, 0)
	numSeqs := 0
	numBatchedTokens := 0

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		if err := s.blockManager.Allocate(seq); err != nil {
			return nil, false, err
		}
		numSeqs++
		numBatchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduledSeqs = append(scheduledSeqs, seq)
	}

	if len(scheduledSeqs) > 0 {
		return scheduledSeqs, true, nil
	}

	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				lastElem := s.running.Back()
				s.running.Remove(lastElem)
				s.preempt(lastElem.Value.(*Sequence))
			} else {
				s.preempt(seq)
				break
			}
		}

		if seq.Status == StatusRunning {
			numSeqs++
			if err := s.blockManager.MayAppend(seq); err != nil {
				return nil, false, err
			}
			scheduledSeqs = append(scheduledSeqs, seq)
		}
	}

	if len(scheduledSeqs) == 0 {
		return nil, false, errors.New("no sequences scheduled")
	}

	for i := len(scheduledSeqs) - 1; i >= 0; i-- {
		s.running.PushFront(scheduledSeqs[i])
	}

	return scheduledSeqs, false, nil
}

// Abort drops every queued sequence, releasing the blocks of those running
func (s *Scheduler) Abort() {
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		seq := elem.Value.(*Sequence)
		seq.Status = StatusFinished
		s.release(seq)
	}
	for elem := s.waiting.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*Sequence).Status = StatusFinished
	}
	s.running.Init()
	s.waiting.Init()
}

func (s *Scheduler) preempt(seq *Sequence) {
	slog.Debug("preempting sequence", "seq", seq.SeqID, "tokens", seq.Len())
	seq.Status = StatusWaiting
	s.release(seq)
	s.waiting.PushFront(seq)
}

func (s *Scheduler) release(seq *Sequence) {
	s.blockManager.Deallocate(seq)
	if s.onRelease != nil {
		s.onRelease(seq)
	}
}

// Postprocess appends one sampled token per sequence and retires sequences
// that hit EOS, their token budget or the model length.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		eos := !seq.IgnoreEOS && tokenID == s.eos
		if eos || seq.NumCompletionTokens() >= seq.MaxTokens || seq.Len() >= s.maxModelLen {
			seq.Status = StatusFinished
			s.release(seq)
			for elem := s.running.Front(); elem != nil; elem = elem.Next() {
				if elem.Value.(*Sequence).SeqID == seq.SeqID {
					s.running.Remove(elem)
					break
				}
			}
		}
	}
}
