package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

var resourceKinds = map[string][]proto.NetworkResourceType{
	"images":      {proto.NetworkResourceTypeImage},
	"fonts":       {proto.NetworkResourceTypeFont},
	"media":       {proto.NetworkResourceTypeMedia},
	"stylesheets": {proto.NetworkResourceTypeStylesheet},
	"scripts":     {proto.NetworkResourceTypeScript},
	"xhr":         {proto.NetworkResourceTypeXHR, proto.NetworkResourceTypeFetch},
}

// blockSet is the resolved ResourceBlocking list. nil blocks nothing.
type blockSet struct {
	all   bool
	types map[proto.NetworkResourceType]bool
}

func newBlockSet(kinds []string) blockSet {
	var bs blockSet
	for _, k := range kinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "all" {
			bs.all = true
			continue
		}
		for _, t := range resourceKinds[k] {
			if bs.types == nil {
				bs.types = make(map[proto.NetworkResourceType]bool)
			}
			bs.types[t] = true
		}
	}
	return bs
}

func (bs blockSet) empty() bool { return !bs.all && len(bs.types) == 0 }

func (bs blockSet) blocks(t proto.NetworkResourceType) bool {
	return bs.all || bs.types[t]
}

// intercept fails the card document's requests for blocked kinds, so capture
// never waits on the network. data: URLs bypass interception.
func (bs blockSet) intercept(page *rod.Page) *rod.HijackRouter {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if bs.blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
