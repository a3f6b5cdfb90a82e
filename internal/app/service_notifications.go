package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"playhub/api/internal/store"
)

const (
	NotificationForkCreated    = "fork_created"
	NotificationProposalOpened = "proposal_opened"
	NotificationProposalMerged = "proposal_merged"
)

type Notification struct {
	Kind          string    `json:"kind"`
	DocumentID    string    `json:"documentId"`
	DocumentTitle string    `json:"documentTitle"`
	ActorID       string    `json:"actorId"`
	ForkID        string    `json:"forkId,omitempty"`
	ProposalID    string    `json:"proposalId,omitempty"`
	At            time.Time `json:"at"`
}

// Notifications derives the activity on documents owned by owner since a
// point in time, newest first. Nothing is persisted; every call recomputes
// the list from forks and proposals.
func (s *Service) Notifications(ctx context.Context, owner string, since time.Time) ([]Notification, error) {
	forks, err := s.store.ListForksOfOwnedDocuments(ctx, owner, since)
	if err != nil {
		return nil, fmt.Errorf("list forks of owned documents: %w", err)
	}
	proposals, err := s.store.ListProposals(ctx, store.ProposalFilter{OwnerID: owner, Since: since})
	if err != nil {
		return nil, fmt.Errorf("list proposals of owned documents: %w", err)
	}

	titles := make(map[string]string)
	title := func(documentID string) (string, error) {
		if t, ok := titles[documentID]; ok {
			return t, nil
		}
		doc, err := s.store.GetDocument(ctx, documentID)
		if err != nil {
			return "", fmt.Errorf("get document %s: %w", documentID, err)
		}
		titles[documentID] = doc.Title
		return doc.Title, nil
	}

	events := make([]Notification, 0, len(forks)+len(proposals))
	for _, fork := range forks {
		t, err := title(fork.DocumentID)
		if err != nil {
			return nil, err
		}
		events = append(events, Notification{
			Kind:          NotificationForkCreated,
			DocumentID:    fork.DocumentID,
			DocumentTitle: t,
			ActorID:       fork.OwnerID,
			ForkID:        fork.ID,
			At:            fork.CreatedAt,
		})
	}
	for _, proposal := range proposals {
		t, err := title(proposal.DocumentID)
		if err != nil {
			return nil, err
		}
		if proposal.OpenedAt != nil && !proposal.OpenedAt.Before(since) {
			events = append(events, Notification{
				Kind:          NotificationProposalOpened,
				DocumentID:    proposal.DocumentID,
				DocumentTitle: t,
				ActorID:       proposal.ProposerID,
				ForkID:        proposal.ForkID,
				ProposalID:    proposal.ID,
				At:            *proposal.OpenedAt,
			})
		}
		if proposal.MergedAt != nil && !proposal.MergedAt.Before(since) {
			events = append(events, Notification{
				Kind:          NotificationProposalMerged,
				DocumentID:    proposal.DocumentID,
				DocumentTitle: t,
				ActorID:       proposal.MergedBy,
				ForkID:        proposal.ForkID,
				ProposalID:    proposal.ID,
				At:            *proposal.MergedAt,
			})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].At.Equal(events[j].At) {
			if events[i].Kind != events[j].Kind {
				return events[i].Kind > events[j].Kind
			}
			return events[i].ProposalID+events[i].ForkID < events[j].ProposalID+events[j].ForkID
		}
		return events[i].At.After(events[j].At)
	})
	return events, nil
}
