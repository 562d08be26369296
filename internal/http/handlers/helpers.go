package handlers

import (
	"encoding/json"
	"log"
	"strconv"

	"github.com/valyala/fasthttp"
)

// writeJSON serializes v as the response body with the given status.
func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to encode response: %v", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error": "Internal server error"}`)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeError sends the fixed {"error": ...} rejection shape.
func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// pathID parses a numeric path parameter, answering (0, false) and a 400
// when it is missing or not a number.
func pathID(ctx *fasthttp.RequestCtx, name string) (uint, bool) {
	v, _ := ctx.UserValue(name).(string)
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
