package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"websocket-chat/internal/server"
)

func main() {
	fmt.Println("Starting chat server...")

	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	hub := server.NewHub()
	go hub.Run()

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(config.Port, mux)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down", sig)
	}

	if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
		log.Printf("HTTP shutdown finished with error: %v", err)
	}
	if err := hub.Shutdown(5 * time.Second); err != nil {
		log.Printf("Hub shutdown finished with error: %v", err)
	}
}
