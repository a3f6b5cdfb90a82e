package app

import (
	"strings"
	"time"

	"playhub/api/internal/gitrepo"
	"playhub/api/internal/store"
)

func documentView(doc store.Document) map[string]any {
	return map[string]any{
		"id":             doc.ID,
		"ownerId":        doc.OwnerID,
		"title":          doc.Title,
		"description":    doc.Description,
		"tags":           nonNilStrings(doc.Tags),
		"currentVersion": doc.CurrentVersion,
		"status":         doc.Status,
		"createdAt":      doc.CreatedAt.Format(time.RFC3339),
		"updatedAt":      doc.UpdatedAt.Format(time.RFC3339),
	}
}

func fileView(file store.FileRecord) map[string]any {
	return map[string]any{
		"path":      file.Path,
		"checksum":  file.Checksum,
		"size":      file.Size,
		"binary":    file.Binary,
		"version":   file.Version,
		"updatedAt": file.UpdatedAt.Format(time.RFC3339),
	}
}

func versionView(version store.DocumentVersion) map[string]any {
	return map[string]any{
		"documentId":      version.DocumentID,
		"version":         version.VersionNumber,
		"fileSetChecksum": version.FileSetChecksum,
		"provenance":      version.Provenance,
		"proposalId":      nilIfEmpty(version.ProposalID),
		"createdBy":       version.CreatedBy,
		"message":         version.Message,
		"createdAt":       version.CreatedAt.Format(time.RFC3339),
	}
}

func commitView(commit gitrepo.Commit) map[string]any {
	return map[string]any{
		"hash":      commit.Hash,
		"message":   strings.TrimSpace(commit.Message),
		"author":    commit.Author,
		"createdAt": commit.CreatedAt.Format(time.RFC3339),
	}
}

func forkView(fork store.Fork) map[string]any {
	return map[string]any{
		"id":              fork.ID,
		"ownerId":         fork.OwnerID,
		"documentId":      fork.DocumentID,
		"baseVersion":     fork.BaseVersion,
		"lastSyncVersion": fork.LastSyncVersion,
		"status":          fork.Status,
		"createdAt":       fork.CreatedAt.Format(time.RFC3339),
		"updatedAt":       fork.UpdatedAt.Format(time.RFC3339),
		"deletedAt":       formatTime(fork.DeletedAt),
	}
}

func proposalView(proposal store.Proposal) map[string]any {
	files := make([]map[string]any, 0, len(proposal.Files))
	for _, file := range proposal.Files {
		files = append(files, map[string]any{
			"path":                file.Path,
			"changeKind":          file.ChangeKind,
			"documentFileVersion": file.DocumentFileVersion,
			"forkFileVersion":     file.ForkFileVersion,
			"diff":                file.DiffText,
			"checksumBefore":      nilIfEmpty(file.ChecksumBefore),
			"checksumAfter":       nilIfEmpty(file.ChecksumAfter),
			"binary":              file.Binary,
			"binaryAfter":         file.BinaryAfter,
			"linesAdded":          file.LinesAdded,
			"linesRemoved":        file.LinesRemoved,
			"changelog":           file.Changelog,
			"riskFlags":           nonNilStrings(file.RiskFlags),
			"confidence":          file.Confidence,
		})
	}
	return map[string]any{
		"id":                   proposal.ID,
		"forkId":               proposal.ForkID,
		"documentId":           proposal.DocumentID,
		"proposerId":           proposal.ProposerID,
		"title":                proposal.Title,
		"description":          proposal.Description,
		"commitMessage":        proposal.CommitMessage,
		"suggestedTitle":       proposal.SuggestedTitle,
		"suggestedDescription": proposal.SuggestedDescription,
		"diffSummary":          proposal.DiffSummary,
		"status":               proposal.Status,
		"baseVersion":          proposal.BaseVersion,
		"riskFlags":            nonNilStrings(proposal.RiskFlags),
		"mergeChecklist":       nonNilStrings(proposal.MergeChecklist),
		"mergeMessage":         nilIfEmpty(proposal.MergeMessage),
		"mergedBy":             nilIfEmpty(proposal.MergedBy),
		"mergedVersion":        proposal.MergedVersion,
		"createdAt":            proposal.CreatedAt.Format(time.RFC3339),
		"updatedAt":            proposal.UpdatedAt.Format(time.RFC3339),
		"openedAt":             formatTime(proposal.OpenedAt),
		"mergedAt":             formatTime(proposal.MergedAt),
		"closedAt":             formatTime(proposal.ClosedAt),
		"files":                files,
	}
}

func mapEach[T any](items []T, view func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, view(item))
	}
	return out
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.Format(time.RFC3339)
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
