package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/ktb/chatapp/internal/banned"
	"github.com/ktb/chatapp/internal/broadcast"
	"github.com/ktb/chatapp/internal/message"
	"github.com/ktb/chatapp/internal/messaging"
	"github.com/ktb/chatapp/internal/pipeline"
	"github.com/ktb/chatapp/internal/protocol"
	"github.com/ktb/chatapp/internal/ratelimit"
	"github.com/ktb/chatapp/internal/rooms"
	"github.com/ktb/chatapp/internal/session"
	"github.com/ktb/chatapp/internal/ws"
)

// natsMentions bridges pipeline mention events onto the NATS side-effect
// subject for the mention worker.
type natsMentions struct {
	client *messaging.Client
}

func (n *natsMentions) Notify(event pipeline.MentionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.client.PublishMention(data)
}

// recentBroadcaster records every broadcast payload in the per-room replay
// buffer before handing it to the fabric.
type recentBroadcaster struct {
	fabric *broadcast.Fabric
	recent *rooms.Recent
}

func (b *recentBroadcaster) Broadcast(roomID string, data []byte) error {
	b.recent.Add(roomID, data)
	return b.fabric.Broadcast(roomID, data)
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	pipeCfg := pipeline.DefaultConfig()
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pipeCfg.Budget.Limit = n
		}
	}
	if v := os.Getenv("RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pipeCfg.Budget.Window = d
		}
	}

	// --- Postgres ---
	databaseURL := "postgres://localhost:5432/chatapp?sslmode=disable"
	if v := os.Getenv("DATABASE_URL"); v != "" {
		databaseURL = v
	}
	migrationsPath := "db/migrations"
	if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
		migrationsPath = v
	}
	if err := runMigrations(databaseURL, migrationsPath); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	pingCancel()
	messageStore := message.NewStore(db)

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	sessionTTL := session.DefaultTTL
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sessionTTL = d
		}
	}
	sessionStore, err := session.NewStore(redisAddr, sessionTTL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chatapp-server"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Banned words ---
	checker, err := banned.NewChecker(loadBannedWords())
	if err != nil {
		log.Fatalf("failed to build banned-word checker: %v", err)
	}

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  rate_limit:      %d per %s", pipeCfg.Budget.Limit, pipeCfg.Budget.Window)
	log.Printf("  session_ttl:     %s", sessionTTL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", natsConfig.URL)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	fabric := broadcast.NewFabric(natsClient, server)
	recent := rooms.NewRecent(recentSizeFromEnv())
	index := rooms.NewIndex()

	pipe := pipeline.New(pipeCfg, sessionStore, limiter, index, checker,
		messageStore, &recentBroadcaster{fabric: fabric, recent: recent},
		&natsMentions{client: natsClient})

	// -----------------------------------------------------------------------
	// auth: bind a logged-in identity to the connection
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuth, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		sess := sessionStore.Find(ctx, authMsg.UserID)
		if sess == nil || (authMsg.SessionID != "" && sess.SessionID != authMsg.SessionID) {
			log.Printf("auth rejected conn=%s user=%s", conn.ID, authMsg.UserID)
			sendError(dispatcher, conn, protocol.CodeSessionExpired, "session expired, please log in again")
			return
		}

		conn.SetIdentity(ws.Identity{
			UserID:       sess.UserID,
			SessionID:    sess.SessionID,
			Username:     sess.Username,
			Email:        sess.Email,
			ProfileImage: sess.ProfileImage,
		})

		if err := sessionStore.Refresh(ctx, sess); err != nil {
			log.Printf("auth refresh user=%s: %v", sess.UserID, err)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeAuthSuccess, protocol.AuthSuccessMsg{
			UserID: sess.UserID,
		})
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("auth response conn=%s: %v", conn.ID, err)
		}
		log.Printf("auth ok conn=%s user=%s", conn.ID, sess.UserID)
	})

	// -----------------------------------------------------------------------
	// join_room: membership, fabric subscription, recent replay
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinRoomMsg)
		if !ok || joinMsg.Room == "" {
			return
		}
		userID := conn.UserID()
		if userID == "" {
			sendError(dispatcher, conn, protocol.CodeSessionExpired, "authenticate before joining rooms")
			return
		}

		if err := fabric.Join(joinMsg.Room, conn.ID); err != nil {
			log.Printf("join room=%s conn=%s: %v", joinMsg.Room, conn.ID, err)
			sendError(dispatcher, conn, protocol.CodeMessageError, "failed to join room")
			return
		}
		index.Join(userID, joinMsg.Room)

		resp, _ := protocol.NewServerMessage(protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
			Room: joinMsg.Room,
		})
		_ = conn.WriteMessage(resp)

		// Replay the room's retained tail so the client has context.
		for _, payload := range recent.Get(joinMsg.Room) {
			_ = conn.WriteMessage(payload)
		}

		log.Printf("join room=%s user=%s conn=%s", joinMsg.Room, userID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// leave_room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveRoomMsg)
		if !ok || leaveMsg.Room == "" {
			return
		}
		userID := conn.UserID()
		if userID == "" {
			return
		}

		index.Leave(userID, leaveMsg.Room)
		fabric.Leave(leaveMsg.Room, conn.ID)
		if fabric.LocalCount(leaveMsg.Room) == 0 {
			recent.Drop(leaveMsg.Room)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeRoomLeft, protocol.RoomLeftMsg{
			Room: leaveMsg.Room,
		})
		_ = conn.WriteMessage(resp)

		log.Printf("leave room=%s user=%s conn=%s", leaveMsg.Room, userID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// chat_message: the ingestion pipeline
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeChatMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMessageMsg)
		if !ok {
			return
		}

		input := &pipeline.ChatInput{
			Room:        chatMsg.Room,
			MessageType: chatMsg.MessageType,
			Content:     chatMsg.Content,
		}
		if chatMsg.FileData != nil {
			input.FileID = chatMsg.FileData.ID
		}

		out := pipe.Handle(context.Background(), pipeline.Request{
			ConnID: conn.ID,
			UserID: conn.UserID(),
			Data:   input,
		})
		if out.Rejected() {
			dispatcher.SendError(conn, out.ErrorMessage())
		}
	})

	// Disconnect cleanup: release memberships and fabric subscriptions held
	// by this connection.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		userID := conn.UserID()
		if userID == "" {
			return
		}
		for _, roomID := range index.LeaveAll(userID) {
			fabric.Leave(roomID, conn.ID)
			if fabric.LocalCount(roomID) == 0 {
				recent.Drop(roomID)
			}
		}
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runMigrations applies pending schema migrations. An up-to-date schema is
// not an error.
func runMigrations(databaseURL, path string) error {
	m, err := migrate.New("file://"+path, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// loadBannedWords reads the banned-word list from BANNED_WORDS_FILE (one word
// per line, '#' comments) or from the comma-separated BANNED_WORDS variable.
func loadBannedWords() []string {
	if path := os.Getenv("BANNED_WORDS_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("failed to open banned words file %s: %v", path, err)
		}
		defer f.Close()

		var words []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			words = append(words, line)
		}
		if err := scanner.Err(); err != nil {
			log.Fatalf("failed to read banned words file %s: %v", path, err)
		}
		log.Printf("loaded %d banned words from %s", len(words), path)
		return words
	}

	if v := os.Getenv("BANNED_WORDS"); v != "" {
		return strings.Split(v, ",")
	}

	log.Printf("no banned word list configured, using defaults")
	return []string{"spam", "scam"}
}

func recentSizeFromEnv() int {
	if v := os.Getenv("RECENT_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return rooms.DefaultRecentSize
}

func sendError(d *ws.MessageDispatcher, conn *ws.Connection, code, msg string) {
	d.SendError(conn, &protocol.ErrorMsg{Code: code, Message: msg})
}
