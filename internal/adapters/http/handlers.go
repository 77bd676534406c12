package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const pingSVG = `<svg height="200" width="580" xmlns="http://www.w3.org/2000/svg">
    <path d="m-1-1h582v402h-582z"/>
    <path d="m223 148.453125h71v65h-71z" stroke="#000" stroke-width="1.5"/>
</svg>`

func handlerBeat(c *gin.Context) {
	c.String(http.StatusOK, "Boom!")
}

// handlerPing serves a tiny image so browsers can measure latency with <img>.
func handlerPing(c *gin.Context) {
	c.Data(http.StatusOK, "image/svg+xml", []byte(pingSVG))
}
