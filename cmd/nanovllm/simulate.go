package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nanovllm/internal/batch"
	"github.com/samcharles93/nanovllm/internal/batchctx"
	"github.com/samcharles93/nanovllm/internal/config"
	"github.com/samcharles93/nanovllm/internal/logger"
	"github.com/samcharles93/nanovllm/internal/metrics"
	"github.com/samcharles93/nanovllm/internal/sequence"
)

// simulation drives sequences through prefill and decode with a bump block
// allocator and a deterministic token source. It exercises the bookkeeping
// the real scheduler performs without a model.
type simulation struct {
	cfg     config.Config
	holder  *batchctx.Holder
	metrics *metrics.Metrics
	log     logger.Logger
	eos     int

	nextBlock int
	free      []int
	steps     []batch.Step
}

func (s *simulation) allocate(seq *sequence.Sequence) {
	for seq.NeedsBlock() {
		if n := len(s.free); n > 0 {
			seq.AppendBlock(s.free[n-1])
			s.free = s.free[:n-1]
			continue
		}
		seq.AppendBlock(s.nextBlock)
		s.nextBlock++
	}
}

func (s *simulation) release(seq *sequence.Sequence) {
	seq.Finish()
	s.free = append(s.free, seq.ReleaseBlocks()...)
	if s.metrics != nil {
		s.metrics.SequencesFinished.Inc()
	}
}

// nextToken stands in for sampling.
func nextToken(seq *sequence.Sequence) uint32 {
	return (seq.LastToken()*31 + 7) % 32000
}

func (s *simulation) publish(step batch.Step) error {
	if err := batch.Apply(s.holder, step, s.metrics); err != nil {
		return err
	}
	s.steps = append(s.steps, step)
	s.log.Debug("step published",
		"mode", step.Context.Mode(),
		"seqs", len(step.SeqIDs),
		"tokens", step.NumTokens(),
		"generation", s.holder.Generation(),
	)
	return nil
}

// sample appends one token to every sequence in the step and finishes the
// ones that hit a stop condition.
func (s *simulation) sample(seqs []*sequence.Sequence) []*sequence.Sequence {
	running := seqs[:0]
	for _, seq := range seqs {
		seq.AppendToken(nextToken(seq))
		if s.metrics != nil {
			s.metrics.TokensAppended.Inc()
		}
		stop := seq.Len() >= s.cfg.MaxModelLen
		if s.eos >= 0 {
			stop = stop || seq.ShouldStop(uint32(s.eos))
		} else {
			stop = stop || seq.NumCompletionTokens() >= seq.Params().MaxTokens
		}
		if stop {
			s.release(seq)
			continue
		}
		running = append(running, seq)
	}
	return running
}

func (s *simulation) run(ctx context.Context, seqs []*sequence.Sequence) error {
	var waiting []*sequence.Sequence
	waiting = append(waiting, seqs...)
	var running []*sequence.Sequence

	for len(waiting) > 0 || len(running) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Prefill takes priority, bounded by the step budgets.
		var scheduled []*sequence.Sequence
		budget := s.cfg.MaxNumBatchedTokens
		for len(waiting) > 0 && len(scheduled)+len(running) < s.cfg.MaxNumSeqs {
			seq := waiting[0]
			need := seq.Len() - seq.NumCachedTokens()
			if need > budget {
				break
			}
			budget -= need
			if err := seq.SetRunning(); err != nil {
				return err
			}
			s.allocate(seq)
			scheduled = append(scheduled, seq)
			waiting = waiting[1:]
		}
		if len(scheduled) > 0 {
			step, err := batch.Prefill(scheduled)
			if err != nil {
				return err
			}
			if err := s.publish(step); err != nil {
				return err
			}
			for _, seq := range scheduled {
				if err := seq.SetNumCachedTokens(seq.Len()); err != nil {
					return err
				}
			}
			running = append(running, s.sample(scheduled)...)
			continue
		}
		if len(running) == 0 {
			return fmt.Errorf("simulate: sequence %d does not fit max_num_batched_tokens=%d", waiting[0].ID(), s.cfg.MaxNumBatchedTokens)
		}

		for _, seq := range running {
			s.allocate(seq)
		}
		step, err := batch.Decode(running)
		if err != nil {
			return err
		}
		if err := s.publish(step); err != nil {
			return err
		}
		for _, seq := range running {
			if err := seq.SetNumCachedTokens(seq.Len()); err != nil {
				return err
			}
		}
		running = s.sample(running)
	}
	return nil
}

func simulateCmd() *cli.Command {
	var (
		numSeqs   int
		promptLen int
		maxTokens int
		ignoreEOS bool
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Run synthetic sequences through prefill/decode bookkeeping and print each step",
		Flags: append(commonFlags(),
			&cli.IntFlag{Name: "seqs", Usage: "number of sequences", Value: 4, Destination: &numSeqs},
			&cli.IntFlag{Name: "prompt-len", Usage: "prompt tokens per sequence", Value: 300, Destination: &promptLen},
			&cli.IntFlag{Name: "max-tokens", Usage: "completion tokens per sequence", Value: 8, Destination: &maxTokens},
			&cli.BoolFlag{Name: "ignore-eos", Usage: "do not stop on the model's EOS token", Destination: &ignoreEOS},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := resolveConfig(ctx, cmd)
			if err != nil {
				return err
			}
			params := sequence.SamplingParams{Temperature: 1.0, MaxTokens: maxTokens, IgnoreEOS: ignoreEOS}
			if err := params.Validate(); err != nil {
				return err
			}
			seqs, err := syntheticSequences(numSeqs, promptLen, params, cfg.KVCacheBlockSize)
			if err != nil {
				return err
			}
			sim := &simulation{
				cfg:     cfg,
				holder:  batchctx.Default,
				metrics: metrics.New(),
				log:     logger.FromContext(ctx),
				eos:     cfg.EOSTokenID,
			}
			sim.metrics.SequencesCreated.Add(float64(len(seqs)))
			if err := sim.run(ctx, seqs); err != nil {
				return err
			}

			fmt.Printf("%-5s %-8s %6s %8s %10s %10s\n", "Step", "Mode", "Seqs", "Tokens", "MaxSeqQ", "MaxSeqK")
			for i, step := range sim.steps {
				c := step.Context
				fmt.Printf("%-5d %-8s %6d %8d %10d %10d\n", i, c.Mode(), len(step.SeqIDs), step.NumTokens(), c.MaxSeqlenQ, c.MaxSeqlenK)
			}
			fmt.Printf("\nBlocks allocated: %d\n", sim.nextBlock)
			for _, seq := range seqs {
				fmt.Printf("  %s completion=%d\n", seq, seq.NumCompletionTokens())
			}
			return nil
		},
	}
}

func syntheticSequences(n, promptLen int, params sequence.SamplingParams, blockSize int) ([]*sequence.Sequence, error) {
	seqs := make([]*sequence.Sequence, 0, n)
	for i := range n {
		prompt := make([]uint32, promptLen)
		for j := range prompt {
			prompt[j] = uint32((i*promptLen + j) % 32000)
		}
		seq, err := sequence.New(prompt, params, sequence.WithBlockSize(blockSize))
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}
