package nanotune

import (
	"container/list"
	"fmt"
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
}

// NewScheduler creates a scheduler for a model with the given context
// length and EOS token
func NewScheduler(config *Config, maxModelLen, eos int) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumSeqs * maxModelLen,
		maxModelLen:         maxModelLen,
		eos:                 eos,
		blockManager:        NewBlockManager(config.NumKVBlocks, config.KVBlockSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// Schedule schedules sequences for the next step.
// Returns the scheduled sequences and whether this is a prefill step.
func (s *Scheduler) Schedule() ([]*Sequence, bool, error) {
	// Try prefill first
	scheduledSeqs := make([]*Sequence, 0)
	numSeqs := 0
	numBatchedTokens := 0

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		numSeqs++
		s.blockManager.Allocate(seq)
		numBatchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduledSeqs = append(scheduledSeqs, seq)
	}

	if len(scheduledSeqs) > 0 {
		return scheduledSeqs, true, nil
	}

	// Decode phase
	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				// Preempt from the back
				lastElem := s.running.Back()
				lastSeq := lastElem.Value.(*Sequence)
				s.running.Remove(lastElem)
				s.preempt(lastSeq)
			} else {
				s.preempt(seq)
				break
			}
		}

		if seq.Status == StatusRunning {
			numSeqs++
			s.blockManager.MayAppend(seq)
			scheduledSeqs = append(scheduledSeqs, seq)
		}
	}

	if len(scheduledSeqs) == 0 {
		if front := s.waiting.Front(); front != nil {
			seq := front.Value.(*Sequence)
			return nil, false, fmt.Errorf("sequence of %d tokens needs %d KV blocks, only %d free",
				seq.Len(), seq.NumBlocks(), s.blockManager.NumFreeBlocks())
		}
		return nil, false, fmt.Errorf("no sequences scheduled")
	}

	// Put scheduled sequences back at the front of running queue
	for i := len(scheduledSeqs) - 1; i >= 0; i-- {
		s.running.PushFront(scheduledSeqs[i])
	}

	return scheduledSeqs, false, nil
}

// preempt returns a running sequence to the front of the waiting queue
func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
}

// Postprocess appends sampled tokens and retires finished sequences
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		switch {
		case !seq.Params.IgnoreEOS && tokenID == s.eos:
			seq.Finish = FinishStop
		case seq.NumCompletionTokens() >= seq.Params.MaxTokens || seq.Len() >= s.maxModelLen:
			seq.Finish = FinishLength
		default:
			continue
		}

		seq.Status = StatusFinished
		s.blockManager.Deallocate(seq)
		for elem := s.running.Front(); elem != nil; elem = elem.Next() {
			if elem.Value.(*Sequence).SeqID == seq.SeqID {
				s.running.Remove(elem)
				break
			}
		}
	}
}

// Abort drops every queued and running sequence and returns them
func (s *Scheduler) Abort() []*Sequence {
	var dropped []*Sequence
	for _, l := range []*list.List{s.running, s.waiting} {
		for elem := l.Front(); elem != nil; elem = elem.Next() {
			seq := elem.Value.(*Sequence)
			if len(seq.BlockTable) > 0 {
				s.blockManager.Deallocate(seq)
			}
			seq.Status = StatusFinished
			dropped = append(dropped, seq)
		}
		l.Init()
	}
	return dropped
}
