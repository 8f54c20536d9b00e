package tests

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SetupTestDB spins up a fresh MongoDB container and returns the database connection
// along with a cleanup function.
func SetupTestDB(t *testing.T) (*mongo.Database, func()) {
	if testing.Short() {
		t.Skip("skipping MongoDB container in short mode")
	}
	ctx := context.Background()

	mongodbContainer, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
	}

	endpoint, err := mongodbContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}

	return mongoClient.Database("test_db"), func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			log.Printf("failed to disconnect mongo: %v", err)
		}
		if err := mongodbContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate container: %v", err)
		}
	}
}

// FakeStorefront is an in-memory storefront API
type FakeStorefront struct {
	*httptest.Server

	mu        sync.Mutex
	Plans     []domain.Plan
	accounts  map[string]string // email -> password
	Checkouts []CheckoutCall
}

// CheckoutCall is one recorded POST /checkout
type CheckoutCall struct {
	Token     string
	PlanID    string
	UTMSource string
}

// NewFakeStorefront starts the fake storefront; it is closed with the test
func NewFakeStorefront(t *testing.T, plans []domain.Plan) *FakeStorefront {
	f := &FakeStorefront{
		Plans:    plans,
		accounts: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/plans", f.handlePlans)
	mux.HandleFunc("/auth/register", f.handleRegister)
	mux.HandleFunc("/auth/login", f.handleLogin)
	mux.HandleFunc("/checkout", f.handleCheckout)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// AddAccount registers an existing account
func (f *FakeStorefront) AddAccount(email, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[email] = password
}

// CheckoutCalls returns the recorded checkouts
func (f *FakeStorefront) CheckoutCalls() []CheckoutCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckoutCall(nil), f.Checkouts...)
}

func (f *FakeStorefront) handlePlans(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	plans := f.Plans
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": plans})
}

func (f *FakeStorefront) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		UTMSource string `json:"utm_source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.accounts[req.Email]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "Email sudah terdaftar"})
		return
	}
	f.accounts[req.Email] = req.Password

	http.SetCookie(w, &http.Cookie{Name: "sf_visit", Value: req.Email, Path: "/"})
	writeJSON(w, http.StatusCreated, map[string]interface{}{"data": map[string]string{"email": req.Email}})
}

func (f *FakeStorefront) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	f.mu.Lock()
	password, ok := f.accounts[req.Email]
	f.mu.Unlock()
	if !ok || password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Email atau password salah"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]string{"access_token": "token-" + req.Email},
	})
}

func (f *FakeStorefront) handleCheckout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	var req struct {
		PlanID    string `json:"plan_id"`
		UTMSource string `json:"utm_source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	f.mu.Lock()
	f.Checkouts = append(f.Checkouts, CheckoutCall{Token: token, PlanID: req.PlanID, UTMSource: req.UTMSource})
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]string{"checkout_url": "https://pay.example.com/checkout/" + req.PlanID},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
