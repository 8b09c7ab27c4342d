package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/parser"
)

// ErrPlanTooLarge means a plan proposed more children than the configured
// cap allows. The parent is blocked with zero children created.
var ErrPlanTooLarge = errors.New("plan exceeds child cap")

// ensureChildren creates the children an issue's plan asks for, exactly
// once per parent. The durable child flag is authoritative: a stale or
// empty ListChildren result from the tracker never triggers re-creation.
// Returns the number of children created by this call.
func (w *Worker) ensureChildren(ctx context.Context, run *domain.Run, issue *domain.Issue) (int, error) {
	childType, ok := parser.ChildTypeFor(issue.Type)
	if !ok {
		return 0, nil
	}

	flag, err := w.store.GetChildFlag(issue.Key)
	if err != nil {
		return 0, fmt.Errorf("reading child flag: %w", err)
	}
	if flag != nil {
		w.event(run.ID, domain.LevelInfo,
			fmt.Sprintf("children already created for %s (%d by %s), skipping",
				issue.Key, flag.ChildCount, flag.CreatedBy), nil)
		return 0, nil
	}

	specs := parser.ParsePlan(issue.Description, childType)
	if len(specs) == 0 {
		w.event(run.ID, domain.LevelWarn, "no plan found in "+issue.Key, nil)
		return 0, nil
	}

	limit := w.caps.Get().MaxChildrenPerParent
	if len(specs) > limit {
		return 0, fmt.Errorf("%w: plan for %s proposes %d children, cap is %d",
			ErrPlanTooLarge, issue.Key, len(specs), limit)
	}

	// Creation is at-least-once until the flag is written: a crash here
	// leaves no flag, so the next claim retries the whole set.
	var keys []string
	for _, spec := range specs {
		key, err := w.tracker.CreateChild(ctx, issue.Key, spec)
		if err != nil {
			return len(keys), fmt.Errorf("creating child %q of %s: %w", spec.Summary, issue.Key, err)
		}
		keys = append(keys, key)
	}

	if err := w.store.SetChildFlag(issue.Key, len(specs), w.id); err != nil {
		// Primary-key conflict: another worker finished first. Duplicate
		// work, not an error.
		log.Printf("[worker] child flag for %s already written: %v", issue.Key, err)
		w.event(run.ID, domain.LevelInfo, "duplicate child creation detected for "+issue.Key, nil)
		return len(keys), nil
	}

	w.event(run.ID, domain.LevelInfo,
		fmt.Sprintf("created %d %s issues under %s", len(keys), childType, issue.Key),
		map[string]string{"children": strings.Join(keys, ",")})
	return len(keys), nil
}
