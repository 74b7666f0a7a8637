package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/sync/errgroup"

	"chatsync/pkg/api"
	"chatsync/pkg/assistant"
	"chatsync/pkg/chat"
	"chatsync/pkg/config"
	"chatsync/pkg/metrics"
	"chatsync/pkg/session"
	"chatsync/pkg/transport"
	"chatsync/pkg/viewport"

	_ "chatsync/docs"
)

// @title           Chatsync API
// @version         1.0
// @description     Local sync engine for a chat client: paginated history, optimistic sends, live events and drafts.

// @host      localhost:8080
// @BasePath  /

// @schemes   http https

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	gateway := transport.NewHTTPGateway(transport.HTTPConfig{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
		RPS:     cfg.API.RPS,
		Burst:   cfg.API.Burst,
	})

	opts := session.Options{
		Self:         chat.UserSummary{ID: cfg.User.ID, DisplayName: cfg.User.DisplayName},
		PageSize:     cfg.Sync.PageSize,
		TypingExpiry: cfg.Sync.TypingExpiry,
		Viewport: viewport.Config{
			BottomTolerance: cfg.Sync.BottomTolerance,
			NearTop:         cfg.Sync.NearTop,
			ReadDebounce:    cfg.Sync.ReadDebounce,
		},
		Metrics: m,
	}
	if cfg.Assistant.Enabled() {
		source, err := assistant.NewOpenAISource(assistant.LLMConfig{
			Model:       cfg.Assistant.Model,
			Token:       cfg.Assistant.Token,
			BaseURL:     cfg.Assistant.BaseURL,
			System:      cfg.Assistant.System,
			Temperature: cfg.Assistant.Temperature,
		})
		if err != nil {
			log.Fatalf("assistant: %v", err)
		}
		opts.Assistant = source
		opts.AssistantUser = chat.UserSummary{ID: cfg.Assistant.UserID, DisplayName: "Assistant"}
	}

	engine := session.NewEngine(gateway, opts)
	defer engine.Close()

	socket := transport.NewSocket(cfg.API.SocketURL, cfg.API.Token)
	socket.OnConnect = func(reconnect bool) {
		if !reconnect {
			return
		}
		// runs before the socket reads again so replayed presence is not wiped
		if err := engine.Reconnected(ctx); err != nil {
			log.Printf("resync after reconnect: %v", err)
		}
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: cfg.Server.CORSCredentials,
		MaxAge:           12 * time.Hour,
	}))

	handler := api.NewHandler(engine, api.NewHub())
	defer handler.Close()
	handler.RegisterRoutes(router)

	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	settings := tlsSettingsFromConfig(cfg.Server)
	if err := settings.Validate(); err != nil {
		log.Fatalf("TLS settings invalid: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	events := make(chan transport.Event, 64)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(events)
		return socket.Run(gctx, events)
	})
	g.Go(func() error {
		return engine.RunEvents(gctx, events)
	})
	g.Go(func() error {
		return serve(srv, settings)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownDeadline)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chatsync stopped: %v", err)
	}
	log.Println("Server exiting")
}

// serve starts HTTP or HTTPS depending on settings.
func serve(srv *http.Server, settings TLSSettings) error {
	if !settings.EnableTLS {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	tlsConfig, certFile, keyFile, err := buildTLSConfigWithSettings(settings)
	if err != nil {
		return err
	}
	srv.TLSConfig = tlsConfig

	if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
