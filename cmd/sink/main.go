// Command sink is a debugging receiver for the json:http exporter. It
// accepts batches on POST /api/put, logs what arrived, and keeps per-series
// last values for inspection on GET /series.
package main

import (
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type sink struct {
	log *zap.Logger

	mu     sync.Mutex
	last   map[string]float64
	parser fastjson.Parser
}

func main() {
	fs := flag.NewFlagSet("sink", flag.ContinueOnError)
	addr := fs.String("a", ":5448", "listen address")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	s := &sink{log: logger, last: make(map[string]float64)}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/api/put", s.put)
	r.GET("/series", s.series)

	logger.Info("sink listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal(err)
	}
}

func (s *sink) put(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "read: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.parseBatch(body, s.record)
	if err != nil {
		c.String(http.StatusBadRequest, "parse: %v", err)
		return
	}

	s.log.Info("batch received",
		zap.Int("metrics", n),
		zap.Int("bytes", len(body)))
	c.Status(http.StatusNoContent)
}

func (s *sink) record(it *fastjson.Value) {
	key := string(it.GetStringBytes("hostname")) + "/" +
		string(it.GetStringBytes("chart_id")) + "/" +
		string(it.GetStringBytes("id"))
	s.last[key] = it.GetFloat64("value")
}

// parseBatch accepts both wire variants: a JSON array body, or the unframed
// one-object-per-line form posted by hand during debugging. Scanner values
// are only valid until the next token, so each item is consumed in place.
func (s *sink) parseBatch(body []byte, fn func(*fastjson.Value)) (int, error) {
	if v, err := s.parser.ParseBytes(body); err == nil {
		items, err := v.Array()
		if err != nil {
			fn(v)
			return 1, nil
		}
		for _, it := range items {
			fn(it)
		}
		return len(items), nil
	}

	n := 0
	sc := fastjson.Scanner{}
	sc.InitBytes(body)
	for sc.Next() {
		fn(sc.Value())
		n++
	}
	if err := sc.Error(); err != nil {
		return n, err
	}
	return n, nil
}

func (s *sink) series(c *gin.Context) {
	s.mu.Lock()
	out := make(map[string]float64, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}
