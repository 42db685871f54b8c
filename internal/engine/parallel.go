package engine

import (
	"context"
	"sync"

	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

type branchOutcome struct {
	branchID string
	delta    map[string]any
	err      error
	paused   bool
}

// execParallel forks a child walk per branch, joins per wait_strategy,
// and merges branch var deltas back into the parent in declaration
// order.
func (e *Engine) execParallel(ctx context.Context, st *State, proc *ckp.Procedure, node *ckp.Node) {
	par := node.Parallel
	if len(par.Branches) == 0 {
		st.NextNodeID = par.NextNode
		return
	}

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	before := CopyVars(st.Vars)
	outcomes := make([]branchOutcome, len(par.Branches))
	done := make(chan int, len(par.Branches))

	var wg sync.WaitGroup
	for i, branch := range par.Branches {
		wg.Add(1)
		go func(i int, branch ckp.ParallelBranch) {
			defer wg.Done()
			child := st.fork()
			child.depth++
			e.walk(branchCtx, child, proc, branch.StartNode, par.NextNode)

			out := branchOutcome{branchID: branch.BranchID}
			switch {
			case child.Err != nil:
				out.err = child.Err
			case child.TerminalStatus == StatusFailed:
				out.err = &errors.ValidationError{
					Field:   branch.BranchID,
					Message: "branch terminated with status failed",
				}
			case child.TerminalStatus == StatusAwaitingApproval || child.AwaitingCallback:
				out.paused = true
			default:
				out.delta = varsDelta(before, child.Vars)
			}
			outcomes[i] = out
			done <- i
		}(i, branch)
	}

	if par.WaitStrategy == "any" {
		// First clean completion wins; the rest are cancelled.
		for range par.Branches {
			i := <-done
			if outcomes[i].err == nil && !outcomes[i].paused {
				cancelBranches()
				break
			}
		}
	}
	wg.Wait()

	branches := make(map[string]any, len(outcomes))
	branchErrs := make(map[string]any)
	var firstErr error
	succeeded := 0
	for _, out := range outcomes {
		if out.paused {
			// Approval or callback pauses inside branches are not
			// resumable mid-fork; surface as a branch failure.
			out.err = &errors.ValidationError{
				Field:   out.branchID,
				Message: "branch paused inside a parallel fork",
			}
		}
		if out.err != nil {
			if errors.IsCancelled(out.err) && par.WaitStrategy == "any" {
				continue
			}
			branchErrs[out.branchID] = out.err.Error()
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		succeeded++
		branches[out.branchID] = out.delta
		for k, v := range out.delta {
			st.Vars[k] = v
		}
	}

	st.Vars["parallel_results"] = map[string]any{
		"branches": branches,
		"errors":   branchErrs,
	}

	failed := firstErr != nil
	if par.WaitStrategy == "any" && succeeded > 0 {
		failed = false
	}
	if failed && par.BranchFailure != "continue" {
		if errors.IsCancelled(firstErr) {
			st.Err = firstErr
			return
		}
		st.Err = errors.Wrap(firstErr, "parallel branch failed")
		return
	}
	st.NextNodeID = par.NextNode
}
