package ledger

import "supplyledger/protocol/params"

// VerifyOptions selects the checks Verify runs beyond linkage and digest
// self-consistency.
type VerifyOptions struct {
	// CheckWork re-checks every block's seal against a difficulty.
	CheckWork bool
	// UseCurrentDifficulty checks seals against the ledger's current
	// difficulty instead of the one each block recorded.
	UseCurrentDifficulty bool
}

// verifyChain returns the violations found in blocks, stopping after the
// first one unless all is set.
func verifyChain(blocks []Block, h HashFunc, opts VerifyOptions, current int, all bool) []*ChainError {
	var out []*ChainError
	report := func(e *ChainError) bool {
		out = append(out, e)
		return all
	}

	for i := range blocks {
		b := &blocks[i]
		if b.Index != uint64(i) {
			if !report(chainErrorf(uint64(i), "index %d out of sequence", b.Index)) {
				return out
			}
			continue
		}
		if i == 0 {
			if b.PreviousDigest != params.GenesisPrevHash {
				if !report(chainErrorf(0, "genesis previous hash %q is not the sentinel", b.PreviousDigest)) {
					return out
				}
				continue
			}
		} else if b.PreviousDigest != blocks[i-1].Digest {
			if !report(chainErrorf(b.Index, "previous hash does not match block %d", i-1)) {
				return out
			}
			continue
		}
		if b.Digest != b.ComputeDigest(h) {
			if !report(chainErrorf(b.Index, "stored hash does not match contents")) {
				return out
			}
			continue
		}
		if opts.CheckWork {
			d := b.Difficulty
			if opts.UseCurrentDifficulty {
				d = current
			}
			if !b.MeetsDifficulty(d) {
				if !report(chainErrorf(b.Index, "hash does not meet difficulty %d", d)) {
					return out
				}
			}
		}
	}
	return out
}

// linkedAndConsistent is the baseline check: from index 1 on, every block
// links to its predecessor and its stored digest recomputes.
func linkedAndConsistent(blocks []Block, h HashFunc) bool {
	for i := 1; i < len(blocks); i++ {
		b := &blocks[i]
		if b.PreviousDigest != blocks[i-1].Digest {
			return false
		}
		if b.Digest != b.ComputeDigest(h) {
			return false
		}
	}
	return true
}

// checkStructure is what Open requires of a loaded chain before using it.
// Digests are trusted here; only Verify and IsValid recompute them.
func checkStructure(blocks []Block) error {
	for i := range blocks {
		b := &blocks[i]
		if b.Index != uint64(i) {
			return chainErrorf(uint64(i), "index %d out of sequence", b.Index)
		}
		if b.Digest == "" {
			return chainErrorf(b.Index, "missing hash")
		}
		if b.Difficulty < 0 || b.Difficulty > params.MaxDifficulty {
			return chainErrorf(b.Index, "difficulty %d out of range", b.Difficulty)
		}
	}
	if len(blocks) > 0 && blocks[0].PreviousDigest != params.GenesisPrevHash {
		return chainErrorf(0, "genesis previous hash %q is not the sentinel", blocks[0].PreviousDigest)
	}
	return nil
}
