// Package capability classifies the client a note card is exported for into
// one of a closed set of render strategies.
//
// Classification is a pure function of the client's identification strings:
// the User-Agent and the presence of a native-shell bridge. Unknown or
// ambiguous agents fail open to StandardDOMCapture, the most capable path.
package capability

import (
	"net/http"
	"strings"
)

// Strategy is the rendering path selected once per export call.
type Strategy int

const (
	StandardDOMCapture       Strategy = 0 // primary DOM capture with density ladder
	NativeShellCapture       Strategy = 1 // native wrapper: standard capture, native delivery
	RestrictedBrowserCapture Strategy = 2 // in-app browser: forced box + canvas capture
)

func (s Strategy) String() string {
	switch s {
	case NativeShellCapture:
		return "native_shell"
	case RestrictedBrowserCapture:
		return "restricted_browser"
	default:
		return "standard_dom"
	}
}

// Headers read by FromRequest. Native wrappers announce themselves through
// one of them; web clients send neither.
const (
	HeaderNativeBridge = "X-Native-Bridge"
	HeaderPlatform     = "X-Capacitor-Platform"
)

// Env is the ambient identification of the requesting client.
type Env struct {
	UserAgent    string
	NativeBridge bool
	// Platform is the value reported by the native bridge ("ios",
	// "android"). Empty for web clients.
	Platform string
}

// inAppMarkers are vendor tokens of embedded browsers whose capture
// primitive blanks or corrupts output on mobile.
var inAppMarkers = []string{
	"micromessenger",
	"fban",
	"fbav",
	"instagram",
	"line/",
	"kakaotalk",
	"weibo",
	"dingtalk",
	"lark/",
	"bytedancewebview",
	"musical_ly",
}

var mobileMarkers = []string{
	"iphone",
	"ipad",
	"ipod",
	"android",
}

// Classify picks the strategy for env.
func Classify(env Env) Strategy {
	if env.NativeBridge {
		return NativeShellCapture
	}
	if IsRestrictedBrowser(env.UserAgent) {
		return RestrictedBrowserCapture
	}
	return StandardDOMCapture
}

// IsRestrictedBrowser reports whether ua carries both an in-app vendor
// marker and a mobile OS marker. Either one alone is not enough.
func IsRestrictedBrowser(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	return containsAny(lower, inAppMarkers) && containsAny(lower, mobileMarkers)
}

// Platform returns "ios", "android" or "web".
func Platform(env Env) string {
	if !env.NativeBridge {
		return "web"
	}
	switch strings.ToLower(env.Platform) {
	case "ios", "android":
		return strings.ToLower(env.Platform)
	}
	lower := strings.ToLower(env.UserAgent)
	switch {
	case strings.Contains(lower, "android"):
		return "android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		return "ios"
	}
	return "web"
}

// FromRequest builds an Env from the HTTP request headers.
func FromRequest(r *http.Request) Env {
	env := Env{UserAgent: r.UserAgent()}
	if v := r.Header.Get(HeaderNativeBridge); v != "" && v != "0" && !strings.EqualFold(v, "false") {
		env.NativeBridge = true
	}
	if p := r.Header.Get(HeaderPlatform); p != "" {
		env.Platform = p
		if !strings.EqualFold(p, "web") {
			env.NativeBridge = true
		}
	}
	return env
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
