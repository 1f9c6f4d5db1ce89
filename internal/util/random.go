// Package util provides utility functions for the StepLine application.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand; IDs are opaque handles, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GenerateRandomAlphaNumeric generates a random alphanumeric string of the
// specified length. Used for human-facing invite codes.
func GenerateRandomAlphaNumeric(length int) string {
	if length <= 0 {
		return ""
	}

	const chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(chars[rand.Intn(len(chars))])
	}

	return builder.String()
}

// GenerateScenarioID generates a unique scenario ID with "scn_" prefix.
func GenerateScenarioID() string {
	return GenerateRandomID("scn_", 32)
}

// GenerateStepID generates a unique step ID with "stp_" prefix.
func GenerateStepID() string {
	return GenerateRandomID("stp_", 32)
}

// GenerateMessageID generates a unique step message ID with "msg_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 32)
}

// GenerateFriendID generates a unique friend ID with "frn_" prefix.
func GenerateFriendID() string {
	return GenerateRandomID("frn_", 32)
}

// GenerateTrackingID generates a unique delivery tracking ID with "trk_" prefix.
func GenerateTrackingID() string {
	return GenerateRandomID("trk_", 32)
}

// GenerateInviteID generates a unique invite code record ID with "inv_" prefix.
func GenerateInviteID() string {
	return GenerateRandomID("inv_", 32)
}

// GenerateTransitionID generates a unique transition ID with "trn_" prefix.
func GenerateTransitionID() string {
	return GenerateRandomID("trn_", 32)
}

// GenerateLogID generates a unique delivery log ID with "log_" prefix.
func GenerateLogID() string {
	return GenerateRandomID("log_", 32)
}

// GenerateFriendLogID generates a unique scenario friend log ID with "sfl_" prefix.
func GenerateFriendLogID() string {
	return GenerateRandomID("sfl_", 32)
}
