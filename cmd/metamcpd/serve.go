package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/metamcp/metamcp-core/internal/adminapi"
	"github.com/metamcp/metamcp-core/internal/aggregator"
	"github.com/metamcp/metamcp-core/internal/askagent"
	"github.com/metamcp/metamcp-core/internal/chatprovider"
	"github.com/metamcp/metamcp-core/internal/config"
	"github.com/metamcp/metamcp-core/internal/controlplane"
	"github.com/metamcp/metamcp-core/internal/discovery"
	"github.com/metamcp/metamcp-core/internal/embedprovider"
	"github.com/metamcp/metamcp-core/internal/httpapi"
	"github.com/metamcp/metamcp-core/internal/installer"
	"github.com/metamcp/metamcp-core/internal/middleware"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/overrides"
	"github.com/metamcp/metamcp-core/internal/pool"
	"github.com/metamcp/metamcp-core/internal/ports"
	"github.com/metamcp/metamcp-core/internal/session"
	"github.com/metamcp/metamcp-core/internal/smartdiscovery"
	"github.com/metamcp/metamcp-core/internal/tokencount"
	"github.com/metamcp/metamcp-core/internal/upstream"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metamcpd daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "metamcpd.json", "Path to the metamcpd config file")
}

// storeAgentResolver implements askagent.AgentResolver over a namespace's
// configured ask agent (§4.7 step 0: no agent configured is not an error).
type storeAgentResolver struct {
	store ports.Store
}

func (r *storeAgentResolver) ResolveAgent(ctx context.Context, namespaceUUID string) (*model.NamespaceAgent, error) {
	ns, err := r.store.GetNamespace(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}
	if ns.AskAgentUUID == nil {
		return nil, nil
	}
	return r.store.GetAgent(ctx, *ns.AskAgentUUID)
}

func buildChatClient(ctx context.Context, cfg *config.Config) (ports.ChatClient, bool, error) {
	if strings.TrimSpace(cfg.ChatProvider.BaseURL) != "" {
		client := chatprovider.WithFixedBaseURL(chatprovider.NewGemini(nil), cfg.ChatProvider.BaseURL)
		return client, true, nil
	}
	if strings.TrimSpace(cfg.ChatProvider.APIKey) == "" {
		return chatprovider.NewGemini(nil), false, nil
	}
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.ChatProvider.APIKey})
	if err != nil {
		return nil, false, err
	}
	return chatprovider.NewGemini(genaiClient), true, nil
}

func buildEmbedder(ctx context.Context, cfg *config.Config) (ports.Embedder, error) {
	if strings.TrimSpace(cfg.EmbedProvider.BaseURL) != "" {
		return embedprovider.NewOpenAICompatible(cfg.EmbedProvider.BaseURL, cfg.EmbedProvider.Model), nil
	}
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.EmbedProvider.APIKey})
	if err != nil {
		return nil, err
	}
	return embedprovider.NewGemini(genaiClient, cfg.EmbedProvider.Model), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store := controlplane.New(cfg.ControlPlaneURL, cfg.ControlPlaneToken)

	chatClient, apiKeyConfigured, err := buildChatClient(ctx, cfg)
	if err != nil {
		return err
	}
	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		return err
	}

	implementation := mcp.Implementation{Name: cfg.ServerName, Version: cfg.ServerVersion}
	servers := pool.NewMcpServerPool(upstream.Connect, implementation)
	metaPool := pool.NewMetaMcpServerPool(servers, implementation)

	overridesCache := overrides.NewCache()

	sessions := session.New()

	index := discovery.New(embedder)
	tokens := tokencount.New()

	engine := smartdiscovery.New(store, index, nil)
	sessions.OnRemove(func(sess model.LiveSession) {
		engine.OnSessionRemoved(sess.SessionID)
	})

	onRefresh := func(namespaceUUID string) {
		metaPool.InvalidateOpenApiSessions([]string{namespaceUUID})
	}
	agg := aggregator.New(store, metaPool, overridesCache, onRefresh)

	agents := &storeAgentResolver{store: store}
	orchestrator := askagent.New(agents, index, chatClient, tokens, engine, agg, apiKeyConfigured)
	engine.SetAskExecutor(orchestrator)

	var pkgInstaller ports.PackageInstaller
	if cfg.PackageInstallEnabled {
		pkgInstaller = installer.New(store, os.Getenv)
	}

	onInvalidate := func(namespaceUUID string) {
		engine.InvalidateStatus(namespaceUUID)
		metaPool.InvalidateOpenApiSessions([]string{namespaceUUID})
	}

	downstream := httpapi.New(
		store, sessions, metaPool, agg, agg,
		[]middleware.ListToolsMiddleware{overrides.ListToolsMiddleware(overridesCache), smartdiscovery.ListToolsMiddleware(engine)},
		[]middleware.CallToolMiddleware{smartdiscovery.CallToolMiddleware(engine), overrides.CallToolMiddleware(overridesCache)},
		cfg.ServerName, cfg.ServerVersion,
	)
	admin := adminapi.New(store, agg, overridesCache, metaPool, sessions, pkgInstaller, tokens, onInvalidate, cfg.AdminTokens)

	downstreamServer := &http.Server{Addr: cfg.ListenAddr, Handler: downstream.Mux()}
	adminServer := &http.Server{Addr: cfg.AdminListenAddr, Handler: admin.Mux()}

	serverErr := make(chan error, 2)
	go func() {
		log.Printf("<metamcpd> downstream MCP endpoint listening on %s", cfg.ListenAddr)
		if err := downstreamServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Printf("<metamcpd> admin endpoint listening on %s", cfg.AdminListenAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("<metamcpd> received signal %v, shutting down", sig)
	case err := <-serverErr:
		log.Printf("<metamcpd> server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := downstreamServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("<metamcpd> downstream server shutdown error: %v", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("<metamcpd> admin server shutdown error: %v", err)
	}
	return nil
}
