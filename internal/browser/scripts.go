package browser

import (
	"encoding/json"
	"strings"

	"github.com/dohr-michael/genbatch/internal/config"
)

// prelude defines the lookup helpers every script uses. Selector chains are
// tried in order; the first selector with a visible match wins.
const prelude = `
const visible = (el) => {
  if (!el) return false;
  const r = el.getBoundingClientRect();
  const s = getComputedStyle(el);
  return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
};
const enabled = (el) => !!el && !el.disabled && el.getAttribute('aria-disabled') !== 'true';
const q = (chain, root) => {
  for (const sel of chain || []) {
    let found;
    try { found = Array.from((root || document).querySelectorAll(sel)); } catch (e) { continue; }
    const v = found.filter(visible);
    if (v.length) return v[v.length - 1];
  }
  return null;
};
const qa = (chain, root) => {
  for (const sel of chain || []) {
    let found;
    try { found = Array.from((root || document).querySelectorAll(sel)); } catch (e) { continue; }
    if (found.length) return found;
  }
  return [];
};
const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
const loaded = (img) => img.complete && img.naturalWidth > 0;
const input = () => q(S.input);
const readInput = (el) => el ? (el.isContentEditable ? el.innerText : el.value) || '' : '';
const fire = (el, type) => el.dispatchEvent(new Event(type, { bubbles: true }));
const hover = (el) => {
  for (const type of ['pointerover', 'pointerenter', 'mouseover', 'mouseenter', 'mousemove']) {
    el.dispatchEvent(new MouseEvent(type, { bubbles: true, cancelable: true, view: window }));
  }
};
const follows = (a, b) => !!(a.compareDocumentPosition(b) & Node.DOCUMENT_POSITION_FOLLOWING);
const region = (anchor) => {
  const echoes = qa(S.prompt_echo);
  const echo = echoes[anchor.index];
  if (!echo || !norm(echo.innerText).includes(anchor.marker)) return null;
  const next = echoes[anchor.index + 1];
  return qa(S.response).find((r) => follows(echo, r) && (!next || follows(r, next))) || null;
};
`

// Script bodies. Each runs with S (the selector chains) and A (the argument)
// in scope and returns a JSON-serializable value.
const (
	scriptInputReady = `const el = input(); return visible(el) && enabled(el);`

	scriptLoadingImages = `return qa(S.image).filter((img) => !loaded(img)).length;`

	scriptInsertText = `
const el = input();
if (!el) throw new Error('input not found');
el.focus();
if (el.isContentEditable) {
  const range = document.createRange();
  range.selectNodeContents(el);
  const sel = getSelection();
  sel.removeAllRanges();
  sel.addRange(range);
  document.execCommand('insertText', false, A);
} else {
  const setter = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value').set;
  setter.call(el, A);
}
fire(el, 'input');
fire(el, 'change');
return true;`

	scriptSetText = `
const el = input();
if (!el) throw new Error('input not found');
if (el.isContentEditable) {
  el.replaceChildren(...A.split('\n').map((line) => {
    const p = document.createElement('p');
    p.textContent = line;
    return p;
  }));
} else {
  el.value = A;
}
fire(el, 'input');
fire(el, 'change');
return true;`

	scriptInputText = `return readInput(input());`

	scriptNudge = `const el = input(); if (el) fire(el, 'input'); return true;`

	scriptSendState = `
const btn = q(S.send);
const stop = q(S.stop);
return { enabled: visible(btn) && enabled(btn), busy: !!stop };`

	scriptClickSend = `
const btn = q(S.send);
if (!btn || !enabled(btn)) throw new Error('send button not clickable');
btn.click();
return true;`

	scriptPromptEchoes = `return qa(S.prompt_echo).map((e) => e.innerText || '');`

	scriptImageSources = `return qa(S.image).filter(loaded).map((img) => img.currentSrc || img.src);`

	scriptResponse = `
const r = region(A);
if (!r) return { found: false, busy: false, images: [], download_ready: false };
const busy = !!q(S.busy, r) || !!q(S.stop);
const images = qa(S.image, r).filter(loaded).map((img) => img.currentSrc || img.src);
const dl = qa(S.download, r).some(enabled);
return { found: true, busy, images, download_ready: dl };`

	scriptStop = `
const stop = q(S.stop);
if (!stop || !enabled(stop)) return false;
stop.click();
return true;`

	scriptClickDownload = `
const r = region(A);
let btn = null;
if (r) {
  const img = qa(S.image, r).filter(loaded).pop();
  if (img) { img.scrollIntoView({ block: 'center' }); hover(img); hover(img.parentElement || img); }
  btn = qa(S.download, r).filter(enabled).pop() || null;
}
if (!btn) btn = qa(S.global_download).filter(enabled).pop() || null;
if (!btn) return false;
btn.scrollIntoView({ block: 'center' });
hover(btn);
btn.click();
return true;`

	scriptConfirmMenu = `
const item = q(S.menu_download);
if (!item) return false;
hover(item);
item.click();
return true;`
)

// build wraps body into an expression evaluated with S and A bound.
func build(sel config.SelectorsConfig, body string, arg any) (string, error) {
	s, err := json.Marshal(sel)
	if err != nil {
		return "", err
	}
	a, err := json.Marshal(arg)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("((S, A) => {\n")
	b.WriteString(prelude)
	b.WriteString(body)
	b.WriteString("\n})(")
	b.Write(s)
	b.WriteString(", ")
	b.Write(a)
	b.WriteString(")")
	return b.String(), nil
}
