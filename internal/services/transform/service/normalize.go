package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	perr "pulse/internal/platform/errors"
	"pulse/internal/services/transform/domain"
)

// Normalize maps one raw listing item to its entity form. The raw item is
// kept as the entity data so the API can serve upstream fields verbatim
func Normalize(itemType, tenantID string, raw json.RawMessage) (domain.Entity, error) {
	e := domain.Entity{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Kind:     itemType,
		Data:     raw,
	}

	switch itemType {
	case "repository":
		var v struct {
			ID          int64  `json:"id"`
			FullName    string `json:"full_name"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Entity{}, perr.Wrap(err, perr.ErrorCodeProtocol, "repository item")
		}
		e.ExternalID = fmt.Sprintf("repository:%d", v.ID)
		e.Title = v.FullName
		e.Body = v.Description

	case "pull_request":
		var v struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
			Body  string `json:"body"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Entity{}, perr.Wrap(err, perr.ErrorCodeProtocol, "pull request item")
		}
		e.ExternalID = fmt.Sprintf("pull_request:%d", v.ID)
		e.Title = v.Title
		e.Body = v.Body

	case "commit":
		var v struct {
			SHA    string `json:"sha"`
			Commit struct {
				Message string `json:"message"`
			} `json:"commit"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Entity{}, perr.Wrap(err, perr.ErrorCodeProtocol, "commit item")
		}
		e.ExternalID = "commit:" + v.SHA
		e.Title = firstLine(v.Commit.Message)
		e.Body = v.Commit.Message

	case "review":
		var v struct {
			ID   int64  `json:"id"`
			Body string `json:"body"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Entity{}, perr.Wrap(err, perr.ErrorCodeProtocol, "review item")
		}
		e.ExternalID = fmt.Sprintf("review:%d", v.ID)
		e.Title = "review by " + v.User.Login
		e.Body = v.Body

	case "comment", "thread":
		var v struct {
			ID   int64  `json:"id"`
			Body string `json:"body"`
			Path string `json:"path"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Entity{}, perr.Wrapf(err, perr.ErrorCodeProtocol, "%s item", itemType)
		}
		e.ExternalID = fmt.Sprintf("%s:%d", itemType, v.ID)
		e.Title = fmt.Sprintf("%s by %s", itemType, v.User.Login)
		if v.Path != "" {
			e.Title += " on " + v.Path
		}
		e.Body = v.Body

	default:
		return domain.Entity{}, perr.Protocolf("unknown item type %q", itemType)
	}
	return e, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
