// Package replies holds every user-visible canned string in one place so
// transport, pipeline, and command handlers stay consistent.
package replies

const (
	// ServiceUnavailable covers completion calls that still fail after the
	// transient retry.
	ServiceUnavailable = "I'm having trouble reaching my service right now. Please try again later."

	// Misconfigured covers permanent provider failures (bad auth, 4xx).
	Misconfigured = "I'm not configured correctly. Please contact support."

	// RateLimited covers provider 429 responses.
	RateLimited = "I'm receiving too many messages right now. Please wait a moment."

	// GenericError covers session persistence failures and anything
	// uncategorised.
	GenericError = "Something went wrong. Please try again."

	// MediaRejected covers attachments failing validation.
	MediaRejected = "I can only process images (JPG, PNG), PDFs (≤10 pages), and DOCX files up to 10 MB."

	// MediaUnreadable covers attachments that validated but produced no
	// readable text.
	MediaUnreadable = "I received your file, but I couldn't find any readable content in it."

	// ResetDone confirms a successful /reset.
	ResetDone = "Done. I've archived our conversation and will start fresh."

	// ResetNothing is returned when /reset finds no active session.
	ResetNothing = "There's no active conversation to reset."

	// RememberDone confirms a stored explicit memory.
	RememberDone = "Noted. I'll remember that."

	// RememberEmpty is returned when /remember has no text to store.
	RememberEmpty = "Tell me what to remember, e.g. /remember I prefer morning meetings."

	// RememberFailed is returned when the explicit memory could not be stored.
	RememberFailed = "I couldn't save that right now. Please try again later."

	// ForgetDone confirms a deleted memory.
	ForgetDone = "Forgotten."

	// ForgetMissing is returned when /forget names an unknown memory id.
	ForgetMissing = "I don't have a memory with that id."

	// ForgetEmpty is returned when /forget has no id argument.
	ForgetEmpty = "Tell me which memory to forget, e.g. /forget <id>."
)
