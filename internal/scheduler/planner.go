package scheduler

import (
	"sort"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
)

// planPass computes the grants for one allocation pass over a snapshot. It
// is a pure function: all staleness is handled by the conditional commits
// that follow, never here.
//
// Fairness is round-robin over users, one grant per user per round, starting
// at rotation so the head of the user list changes between passes. Within a
// user, subtasks keep their snapshot order (task priority desc, task age,
// subtask age). The service for a grant is the entitled service with the
// most remaining quota, ties broken by earliest next_available_at; a service
// can appear in at most one grant per pass because it can hold at most one
// live reservation.
func planPass(snap *domain.AllocationSnapshot, batchSize, rotation int) []domain.Grant {
	if batchSize <= 0 || len(snap.Pending) == 0 {
		return nil
	}

	services := make(map[uuid.UUID]*domain.EmailService, len(snap.Services))
	for i := range snap.Services {
		svc := &snap.Services[i]
		if svc.Enabled && !svc.Frozen && svc.RemainingQuota() > 0 {
			services[svc.ID] = svc
		}
	}

	// Group pending subtasks per user, preserving snapshot order.
	queues := make(map[uuid.UUID][]domain.PendingSubTask)
	var users []uuid.UUID
	for _, p := range snap.Pending {
		if _, seen := queues[p.UserID]; !seen {
			users = append(users, p.UserID)
		}
		queues[p.UserID] = append(queues[p.UserID], p)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].String() < users[j].String()
	})
	if n := len(users); n > 0 {
		rotation %= n
		users = append(users[rotation:], users[:rotation]...)
	}

	taken := make(map[uuid.UUID]bool, len(snap.ReservedServices))
	for id := range snap.ReservedServices {
		taken[id] = true
	}

	var grants []domain.Grant
	for len(grants) < batchSize {
		progressed := false
		for _, user := range users {
			if len(grants) >= batchSize {
				break
			}
			queue := queues[user]
			if len(queue) == 0 {
				continue
			}

			svc := pickService(snap.UserServices[user], services, taken)
			if svc == nil {
				// No free entitled service; the user's subtasks stay
				// pending for a later pass.
				continue
			}

			next := queue[0]
			queues[user] = queue[1:]
			taken[svc.ID] = true
			grants = append(grants, domain.Grant{
				SubTaskID: next.SubTaskID,
				TaskID:    next.TaskID,
				ServiceID: svc.ID,
				UserID:    user,
			})
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return grants
}

// pickService chooses the best free service from a user's entitlements:
// most remaining quota first, earliest next_available_at on ties.
func pickService(entitled []uuid.UUID, services map[uuid.UUID]*domain.EmailService, taken map[uuid.UUID]bool) *domain.EmailService {
	var best *domain.EmailService
	for _, id := range entitled {
		svc, ok := services[id]
		if !ok || taken[id] {
			continue
		}
		if best == nil {
			best = svc
			continue
		}
		if svc.RemainingQuota() > best.RemainingQuota() ||
			(svc.RemainingQuota() == best.RemainingQuota() &&
				svc.NextAvailableAt.Before(best.NextAvailableAt)) {
			best = svc
		}
	}
	return best
}
