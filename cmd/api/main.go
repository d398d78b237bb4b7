package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diako/creditledger/internal/api"
	"github.com/diako/creditledger/internal/config"
	"github.com/diako/creditledger/internal/events"
	"github.com/diako/creditledger/internal/events/kafka"
	"github.com/diako/creditledger/internal/service"
	"github.com/diako/creditledger/internal/store"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal(err)
	}

	var ledgerStore store.Store
	switch cfg.DBDriver {
	case "postgres":
		ledgerStore, err = store.NewPostgres(context.Background(), cfg.DBSource)
	case "sqlite":
		ledgerStore, err = store.NewSQLite(cfg.DBSource)
	case "memory":
		ledgerStore = store.NewMemory()
	}
	if err != nil {
		log.Fatalf("Unable to open %s store: %v", cfg.DBDriver, err)
	}
	defer ledgerStore.Close()

	var publisher events.Publisher = events.Noop{}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		kp := kafka.NewPublisher(brokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	// Initialize Layers
	rewards := service.NewRewardPolicy(ledgerStore, publisher)
	deposits := service.NewDepositConverter(ledgerStore, publisher)
	withdrawals := service.NewWithdrawalValidator(ledgerStore, publisher)
	verifications := service.NewVerificationTracker(ledgerStore)
	handler := api.NewHandler(ledgerStore, rewards, deposits, withdrawals, verifications, cfg.UploadDir)

	// Router
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(api.MethodNotAllowed)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.HandleFunc("/accounts", handler.CreateAccount).Methods("POST")
	r.HandleFunc("/credits", handler.Credits).Methods("GET", "POST")
	r.HandleFunc("/rewards", handler.Reward).Methods("POST")
	r.HandleFunc("/payment", handler.Payment).Methods("POST")
	r.HandleFunc("/payments", handler.PaymentHistory).Methods("GET")
	r.HandleFunc("/withdraw", handler.Withdraw).Methods("POST")
	r.HandleFunc("/withdrawals", handler.WithdrawalHistory).Methods("GET")
	r.HandleFunc("/verify_cin", handler.SubmitVerification).Methods("POST")
	r.HandleFunc("/verify_cin", handler.VerificationStatus).Methods("GET")
	r.HandleFunc("/verifications/{id}/resolve", handler.ResolveVerification).Methods("POST")
	r.HandleFunc("/transactions", handler.Transactions).Methods("GET")

	log.Printf("Server starting on :%s (%s, driver=%s)", cfg.ServerPort, cfg.Environment, cfg.DBDriver)
	if err := http.ListenAndServe(":"+cfg.ServerPort, r); err != nil {
		log.Fatal(err)
	}
}
