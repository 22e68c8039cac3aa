package browser

import (
	"context"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// dismissDialogs accepts every JavaScript dialog the page opens until ctx is
// done. A pending alert blocks navigation and the load event otherwise.
func dismissDialogs(ctx context.Context, page *rod.Page) {
	go page.Context(ctx).EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		err := proto.PageHandleJavaScriptDialog{Accept: true}.Call(page)
		if err != nil {
			log.Debug().Err(err).Str("type", string(e.Type)).Msg("Could not dismiss dialog")
		}
	})()
}
