package service

import (
	"net/url"
	"strings"

	"gatekeeper/internal/token/models"
	dErrors "gatekeeper/pkg/domain-errors"
)

// DeepLink builds the bot start link carrying a token.
func DeepLink(botUsername string, kind models.Kind, raw string) string {
	return "https://t.me/" + url.PathEscape(strings.TrimPrefix(botUsername, "@")) +
		"?start=" + kind.Prefix() + "_" + raw
}

// ParseStartPayload splits a start payload into the token kind and raw token.
func ParseStartPayload(payload string) (models.Kind, string, error) {
	prefix, raw, ok := strings.Cut(strings.TrimSpace(payload), "_")
	if !ok || raw == "" {
		return "", "", dErrors.New(dErrors.CodeInvalidInput, "malformed start payload")
	}
	kind, ok := models.KindFromPrefix(prefix)
	if !ok {
		return "", "", dErrors.New(dErrors.CodeInvalidInput, "unknown start payload prefix")
	}
	return kind, raw, nil
}
