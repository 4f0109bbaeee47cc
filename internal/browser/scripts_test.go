package browser

import (
	"strings"
	"testing"

	"github.com/dohr-michael/genbatch/internal/automator"
	"github.com/dohr-michael/genbatch/internal/config"
)

func TestBuildBindsSelectorsAndArgument(t *testing.T) {
	sel := config.SelectorsConfig{Input: []string{"rich-textarea .ql-editor", "textarea"}}
	expr, err := build(sel, scriptResponse, automator.Anchor{Index: 2, Marker: "name: a.png"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if !strings.HasPrefix(expr, "((S, A) => {") {
		t.Errorf("expression does not open with the binding function: %.40q", expr)
	}
	for _, want := range []string{
		`"input":["rich-textarea .ql-editor","textarea"]`,
		`{"index":2,"marker":"name: a.png"}`,
		"const region = (anchor)",
	} {
		if !strings.Contains(expr, want) {
			t.Errorf("expression missing %q", want)
		}
	}
}

func TestBuildEscapesText(t *testing.T) {
	prompt := "line one\n\"quoted\" </script> `tick`"
	expr, err := build(config.SelectorsConfig{}, scriptInsertText, prompt)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(expr, "line one\n") {
		t.Error("newline was not escaped")
	}
	if !strings.Contains(expr, `\"quoted\"`) {
		t.Error("quotes were not escaped")
	}
}

func TestScriptsUseKnownSelectorKeys(t *testing.T) {
	keys := []string{"input", "send", "stop", "prompt_echo", "response", "busy", "image", "download", "global_download", "menu_download"}
	all := prelude + scriptInputReady + scriptLoadingImages + scriptInsertText + scriptSetText +
		scriptSendState + scriptClickSend + scriptPromptEchoes + scriptImageSources + scriptResponse +
		scriptStop + scriptClickDownload + scriptConfirmMenu

	for _, k := range keys {
		if !strings.Contains(all, "S."+k) {
			t.Errorf("no script uses selector chain %q", k)
		}
	}
}
