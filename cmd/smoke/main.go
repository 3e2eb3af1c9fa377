package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"medgate.org/internal/obs"
)

type loginResponse struct {
	Token  string `json:"token"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// smoke runs the Apollo rejection walkthrough against a live API.
func main() {
	var (
		baseURL = flag.String("url", envOr("MEDGATE_API_URL", "http://localhost:8080"), "API base URL")
		admin   = flag.String("admin", envOr("MEDGATE_SMOKE_ADMIN", "admin@medgate.org"), "platform admin email")
	)
	flag.Parse()
	obs.InitLogger("info", "console")
	logger := obs.Logger()

	client := resty.New().
		SetBaseURL(*baseURL).
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json")

	suffix := ulid.Make().String()
	email := fmt.Sprintf("smoke-%s@apollo.test", suffix)
	password := "smoke-" + suffix

	var created struct {
		ID string `json:"id"`
	}
	must(logger, call(client.R().
		SetBody(map[string]string{
			"name":       "Apollo " + suffix,
			"address":    "12 Harbor Rd",
			"admin_name": "Smoke Admin",
			"email":      email,
			"password":   password,
		}).
		SetResult(&created), http.MethodPost, "/v1/registrations/institutions", http.StatusCreated), "register institution")
	logger.Info().Str("institution_id", created.ID).Str("admin", email).Msg("institution registered")

	var platform loginResponse
	must(logger, call(client.R().
		SetBody(map[string]string{"email": *admin, "password": "smoke"}).
		SetResult(&platform), http.MethodPost, "/v1/auth/login", http.StatusOK), "platform admin login")

	var decision struct {
		Entry struct {
			ID       string `json:"id"`
			Decision string `json:"decision"`
		} `json:"entry"`
	}
	must(logger, call(client.R().
		SetAuthToken(platform.Token).
		SetBody(map[string]any{"approve": false, "rationale": "Docs incomplete"}).
		SetResult(&decision), http.MethodPost, "/v1/institutions/"+created.ID+"/decision", http.StatusOK), "reject institution")
	logger.Info().Str("entry", decision.Entry.ID).Str("decision", decision.Entry.Decision).Msg("decision recorded")

	var rejected loginResponse
	must(logger, call(client.R().
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&rejected), http.MethodPost, "/v1/auth/login", http.StatusOK), "rejected admin login")
	if rejected.Status != "rejected" {
		logger.Fatal().Str("status", rejected.Status).Msg("expected rejected status")
	}

	must(logger, call(client.R().
		SetBody(map[string]string{"email": email, "password": "wrong"}), http.MethodPost, "/v1/auth/login", http.StatusUnauthorized), "wrong password")

	logger.Info().Msg("smoke passed")
}

func call(req *resty.Request, method, path string, want int) error {
	req.SetError(&apiError{})
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != want {
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s (request %s)", method, path, resp.StatusCode(), e.Error, e.RequestID)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode())
	}
	return nil
}

func must(logger *zerolog.Logger, err error, step string) {
	if err != nil {
		logger.Fatal().Err(err).Str("step", step).Msg("smoke failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
