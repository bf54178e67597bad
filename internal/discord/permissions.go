package discord

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// isForbidden reports whether Discord refused the call for lack of
// permissions (usually Manage Webhooks).
func isForbidden(err error) bool {
	return restStatus(err) == http.StatusForbidden
}

// isUnknownWebhook reports whether the webhook no longer exists.
func isUnknownWebhook(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownWebhook {
		return true
	}
	return rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

func restStatus(err error) int {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode
	}
	return 0
}
