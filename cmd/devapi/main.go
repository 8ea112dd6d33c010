package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/you/livechat-harvester/internal/core"
	"github.com/you/livechat-harvester/internal/httpapi"
	"github.com/you/livechat-harvester/internal/sink"
	"github.com/you/livechat-harvester/internal/version"
)

type emitReq struct {
	ID         string       `json:"id,omitempty"`
	Type       string       `json:"type,omitempty"`
	AuthorID   string       `json:"author_id,omitempty"`
	AuthorName string       `json:"author_name"`
	Text       string       `json:"text"`
	Ts         time.Time    `json:"ts,omitempty"`
	PayAmount  *float64     `json:"pay_amount,omitempty"`
	Emotes     []core.Emote `json:"emotes,omitempty"`
	Tier       string       `json:"subscription_tier,omitempty"`
}

func (r emitReq) event() core.ChatEvent {
	if r.Ts.IsZero() {
		r.Ts = time.Now().UTC()
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Type == "" {
		r.Type = "CHAT"
	}
	if r.AuthorID == "" {
		r.AuthorID = strings.ToLower(r.AuthorName)
	}
	return core.ChatEvent{
		MessageID:        r.ID,
		Timestamp:        r.Ts.UnixMicro(),
		Text:             r.Text,
		MessageType:      strings.ToUpper(r.Type),
		Author:           core.Author{ID: r.AuthorID, DisplayName: r.AuthorName},
		SubscriptionTier: r.Tier,
		Emotes:           r.Emotes,
		PayAmount:        r.PayAmount,
	}
}

var synthAuthors = []string{"NightOwl", "치즈냥", "streamfan", "lurker42", "모찌"}

var synthLines = []string{"ㅋㅋㅋㅋ", "hello chat", "gg", "좋아요!", "first time here", "{:d_47:}"}

func synthEvent(channel string) core.ChatEvent {
	idx := rand.IntN(len(synthAuthors))
	ev := core.ChatEvent{
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now().UnixMicro(),
		Text:        synthLines[rand.IntN(len(synthLines))],
		MessageType: "CHAT",
		Author:      core.Author{ID: fmt.Sprintf("%s-user-%d", channel, idx), DisplayName: synthAuthors[idx]},
	}
	if rand.IntN(10) == 0 {
		amount := float64(1000 * (1 + rand.IntN(10)))
		ev.MessageType = "DONATION"
		ev.PayAmount = &amount
	}
	return ev
}

func main() {
	var (
		addr    string
		dbPath  string
		channel string
		every   time.Duration
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&dbPath, "db", "devapi.db", "SQLite database path")
	flag.StringVar(&channel, "channel", "dev", "Channel id the synthetic events belong to")
	flag.DurationVar(&every, "synth-every", 0, "Emit a synthetic event at this interval (0 disables)")
	flag.Parse()

	s, err := sink.OpenSQLite(dbPath, channel)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	if err := s.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	api := httpapi.New(s, httpapi.Options{
		Addr:  addr,
		Build: version.Get(),
		Session: func() httpapi.SessionInfo {
			return httpapi.SessionInfo{
				SessionID: "devapi",
				State:     "LIVE",
				Stream:    core.StreamInfo{ChannelID: channel, Title: "devapi", Status: core.StatusLive},
			}
		},
	})
	writer := sink.WithAPI(s, api)

	api.Mux().HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.AuthorName == "" || req.Text == "" {
			http.Error(w, "author_name, text required", http.StatusBadRequest)
			return
		}
		ev := req.event()
		if err := writer.Write(ev); err != nil {
			http.Error(w, "insert failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": ev.MessageID})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if every > 0 {
		go func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := writer.Write(synthEvent(channel)); err != nil {
						log.Printf("devapi: synth write: %v", err)
					}
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("devapi: shutdown: %v", err)
		}
	}()

	log.Printf("devapi listening on %s (db=%s channel=%s)", addr, dbPath, channel)
	if err := api.Start(); err != nil {
		log.Fatal(err)
	}
}
