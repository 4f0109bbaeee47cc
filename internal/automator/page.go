package automator

import "context"

// Page is the live chat page a task runs against. Implementations re-derive
// every element from the current DOM on each call and hold no element
// references between calls.
type Page interface {
	URL(ctx context.Context) (string, error)

	// InputReady reports whether a visible, enabled text-entry surface exists.
	InputReady(ctx context.Context) (bool, error)
	// LoadingImages counts generated images still loading anywhere on the page.
	LoadingImages(ctx context.Context) (int, error)

	// InsertText types text with the input events the host framework listens to.
	InsertText(ctx context.Context, text string) error
	// SetText assigns the input content directly.
	SetText(ctx context.Context, text string) error
	InputText(ctx context.Context) (string, error)
	// NudgeInput re-dispatches an input event on the text-entry surface.
	NudgeInput(ctx context.Context) error

	SendState(ctx context.Context) (SendState, error)
	ClickSend(ctx context.Context) error

	// PromptEchoes returns the text of every rendered user prompt, in
	// document order.
	PromptEchoes(ctx context.Context) ([]string, error)
	// ImageSources returns the sources of all loaded generated images.
	ImageSources(ctx context.Context) ([]string, error)
	// Response inspects the response region following anchor.
	Response(ctx context.Context, anchor Anchor) (ResponseState, error)

	// StopGeneration clicks an enabled stop control, if any.
	StopGeneration(ctx context.Context) (bool, error)
	// ClickDownload makes the download control of anchor's response
	// interactable and clicks it, preferring the response container over a
	// page-global lookup. It reports false when no control was found.
	ClickDownload(ctx context.Context, anchor Anchor) (bool, error)
	// ConfirmDownloadMenu clicks the download entry of an open menu, if any.
	ConfirmDownloadMenu(ctx context.Context) (bool, error)
}

// SendState describes the send control.
type SendState struct {
	Enabled bool `json:"enabled"`
	Busy    bool `json:"busy"` // a stop/busy control is present
}

// Anchor locates the prompt echo of the current task.
type Anchor struct {
	Index  int    `json:"index"`  // position among prompt echoes
	Marker string `json:"marker"` // text the echo must contain
}

// ResponseState describes the response region of an anchor.
type ResponseState struct {
	Found         bool     `json:"found"`
	Busy          bool     `json:"busy"`
	Images        []string `json:"images"` // loaded image sources
	DownloadReady bool     `json:"download_ready"`
}

// Tab is a browser tab hosting one Page.
type Tab interface {
	ID() string
	Page() Page
	Close(ctx context.Context) error
}
