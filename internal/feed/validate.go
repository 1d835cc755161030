package feed

import (
	"fmt"

	"feedsplit/internal/model"
)

// ValidatePage checks the contract every page must meet before any of its
// items are processed.
func ValidatePage(url string, page *model.Page) error {
	if page == nil {
		return &ValidationError{URL: url, Reason: "empty response"}
	}
	if page.Next == "" {
		return &ValidationError{URL: url, Reason: "next is missing or empty"}
	}
	if page.Items == nil {
		return &ValidationError{URL: url, Reason: "items is not an array"}
	}
	for i, it := range page.Items {
		if it == nil {
			return &ValidationError{URL: url, Reason: fmt.Sprintf("item %d is null", i)}
		}
		if !it.State.Valid() {
			return &ValidationError{URL: url, Reason: fmt.Sprintf("item %d has state %q", i, it.State)}
		}
	}
	return nil
}
