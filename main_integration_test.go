package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	testAppBinary  = "./farmbid_test_app" // Name for the test binary
	testAppPort    = "8089"               // Port for the test API server
	testOpsPortApi = "8093"               // Ops port for the API process
	testOpsPortBg  = "8094"               // Ops port for the BG process
	testDbName     = "farmbid_integration_test"
	testAppURL     = "http://localhost:" + testAppPort
	testOpsURL     = "http://localhost:" + testOpsPortApi
	startupTimeout = 15 * time.Second
	pingEndpoint   = testAppURL + "/v1/ping"
)

// TestMain manages the setup and teardown of the integration test environment.
func TestMain(m *testing.M) {
	defer func() {
		log.Println("Integration Test Teardown: Cleaning up test binary...")
		_ = os.Remove(testAppBinary)
	}()

	log.Println("Integration Test Setup: Building application...")
	godotenv.Load()
	buildCmd := exec.Command("go", "build", "-o", testAppBinary, ".")
	buildOutput, err := buildCmd.CombinedOutput()
	if err != nil {
		log.Printf("Failed to build application: %v\nOutput:\n%s", err, string(buildOutput))
		os.Exit(1)
	}
	log.Printf("Integration Test Setup: Build successful: %s", testAppBinary)

	// Start from a clean database
	if err := resetTestDatabase(); err != nil {
		log.Printf("Failed to reset test database: %v", err)
		os.Exit(1)
	}

	commonEnv := []string{
		"MONGO_DB_NAME=" + testDbName,
		"JWT_SECRET=integration-test-secret",
		"GIN_MODE=release",
		"SMTP_HOST=", // Forces the logging email sender
		"AUCTION_SWEEP_INTERVAL_SECONDS=2",
		"RATE_LIMIT_SOFT_BUCKET_SIZE=100",
		"RATE_LIMIT_SOFT_REFILL_RATE=100",
		"RATE_LIMIT_HARD_BUCKET_SIZE=200",
		"RATE_LIMIT_HARD_REFILL_RATE=200",
	}

	// --- Start API Process ---
	apiCmd := exec.Command(testAppBinary, "-m", "api")
	apiCmd.Env = append(os.Environ(), commonEnv...)
	apiCmd.Env = append(apiCmd.Env,
		"API_PORT="+testAppPort,
		"OPS_PORT="+testOpsPortApi,
	)
	apiCmd.Stderr = os.Stderr
	apiCmd.Stdout = os.Stdout

	log.Println("Integration Test Setup: Starting API process...")
	if err := apiCmd.Start(); err != nil {
		log.Printf("Failed to start API process: %v", err)
		os.Exit(1)
	}
	log.Printf("Integration Test Setup: API process started (PID: %d)...", apiCmd.Process.Pid)

	// --- Start Background Worker Process ---
	bgCmd := exec.Command(testAppBinary, "-m", "bg")
	bgCmd.Env = append(os.Environ(), commonEnv...)
	bgCmd.Env = append(bgCmd.Env, "OPS_PORT="+testOpsPortBg)
	bgCmd.Stderr = os.Stderr
	bgCmd.Stdout = os.Stdout

	log.Println("Integration Test Setup: Starting Background Worker process...")
	if err := bgCmd.Start(); err != nil {
		_ = apiCmd.Process.Kill()
		log.Printf("Failed to start Background Worker process: %v", err)
		os.Exit(1)
	}
	log.Printf("Integration Test Setup: Background Worker process started (PID: %d)...", bgCmd.Process.Pid)

	// Defer shutdown logic for BOTH processes
	defer func() {
		log.Println("Integration Test Teardown: Shutting down application processes...")
		log.Println("Sending SIGTERM to Background Worker...")
		if processErr := bgCmd.Process.Signal(syscall.SIGTERM); processErr != nil {
			log.Printf("Integration Test Teardown: Failed to send SIGTERM to BG Worker: %v. Killing.", processErr)
			_ = bgCmd.Process.Kill()
		} else {
			_, waitErr := bgCmd.Process.Wait()
			if waitErr != nil && waitErr.Error() != "signal: killed" && waitErr.Error() != "exit status 1" {
				log.Printf("Integration Test Teardown: Error waiting for BG Worker exit: %v", waitErr)
			}
		}
		log.Println("Sending SIGTERM to API Process...")
		if processErr := apiCmd.Process.Signal(syscall.SIGTERM); processErr != nil {
			log.Printf("Integration Test Teardown: Failed to send SIGTERM to API Process: %v. Killing.", processErr)
			_ = apiCmd.Process.Kill()
		} else {
			_, waitErr := apiCmd.Process.Wait()
			if waitErr != nil && waitErr.Error() != "signal: killed" && waitErr.Error() != "exit status 1" {
				log.Printf("Integration Test Teardown: Error waiting for API Process exit: %v", waitErr)
			}
		}
		log.Println("Integration Test Teardown: Application processes stopped.")
	}()

	// Wait for the API application to be ready by polling the ping endpoint
	log.Printf("Integration Test Setup: Waiting for API application to become ready at %s...", pingEndpoint)
	startTime := time.Now()
	ready := false
	for time.Since(startTime) < startupTimeout {
		resp, err := http.Get(pingEndpoint)
		if err == nil && resp.StatusCode == http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if string(bodyBytes) == "pong" {
				log.Println("Integration Test Setup: Application is ready!")
				ready = true
				break
			}
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(200 * time.Millisecond)
	}

	if !ready {
		log.Printf("Application failed to start within %v", startupTimeout)
		os.Exit(1)
	}

	// Give the background worker a moment to attach to the queue
	log.Println("Integration Test Setup: Pausing briefly for background worker startup...")
	time.Sleep(2 * time.Second)

	log.Println("Integration Test Setup: Running tests...")
	exitCode := m.Run()
	log.Printf("Integration Test Teardown: Tests finished with exit code %d.", exitCode)
	// Let TestMain return normally so the deferred teardown runs.
}

// resetTestDatabase drops the collections used by the integration tests.
func resetTestDatabase() error {
	log.Println("Resetting integration test database...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mongoURI := os.Getenv("MONGO_URI")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB for reset: %w", err)
	}
	defer func() {
		if err := client.Disconnect(ctx); err != nil {
			log.Printf("Error disconnecting reset client: %v", err)
		}
	}()

	db := client.Database(testDbName)
	for _, coll := range []string{"users", "listings", "bids", "sales", "notifications"} {
		if err := db.Collection(coll).Drop(ctx); err != nil {
			return fmt.Errorf("failed to drop collection %s: %w", coll, err)
		}
	}
	return nil
}

// --- Request helpers ---

// doJSON issues a request with an optional JWT and decodes the JSON response.
func doJSON(t *testing.T, method, url, jwtToken string, payload interface{}) (map[string]interface{}, *http.Response) {
	t.Helper()

	var bodyReader io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		require.NoError(t, err, "Failed to marshal request payload")
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	require.NoError(t, err, "Failed to create HTTP request")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "Request to %s should not fail", url)

	respBodyBytes, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, readErr, "Failed to read response body")

	var respBody map[string]interface{}
	if unmarshalErr := json.Unmarshal(respBodyBytes, &respBody); unmarshalErr != nil {
		respBody = map[string]interface{}{"raw_body": string(respBodyBytes)}
	}
	return respBody, resp
}

// setupAccount registers a user with the given role and logs them in.
func setupAccount(t *testing.T, role string) (userID, jwtToken string) {
	t.Helper()
	email := fmt.Sprintf("%s_%d@example.com", role, time.Now().UnixNano())
	password := "StrongP@ssw0rd123"

	regBody, regResp := doJSON(t, "POST", testAppURL+"/v1/auth/register", "", map[string]interface{}{
		"name":     "Test " + role,
		"email":    email,
		"password": password,
		"role":     role,
		"address":  "12 Market Road",
	})
	require.Equal(t, http.StatusCreated, regResp.StatusCode, "register status code: %+v", regBody)
	userID, ok := regBody["id"].(string)
	require.True(t, ok && userID != "", "register response should carry the user ID")

	loginBody, loginResp := doJSON(t, "POST", testAppURL+"/v1/auth/login", "", map[string]interface{}{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusOK, loginResp.StatusCode, "login status code: %+v", loginBody)
	jwtToken, ok = loginBody["token"].(string)
	require.True(t, ok && jwtToken != "", "login response should carry a JWT")

	log.Printf("Set up %s account %s (%s)", role, userID, email)
	return userID, jwtToken
}

// createListing creates a listing owned by the farmer and returns its ID.
func createListing(t *testing.T, farmerToken string, basePrice int64, start, end *time.Time) string {
	t.Helper()
	payload := map[string]interface{}{
		"title":       "Basmati Rice",
		"description": "Fresh harvest",
		"tags":        []string{"grain"},
		"base_price":  basePrice,
		"quantity":    50,
		"unit":        "kg",
	}
	if start != nil {
		payload["auction_start"] = start.Format(time.RFC3339Nano)
	}
	if end != nil {
		payload["auction_end"] = end.Format(time.RFC3339Nano)
	}

	body, resp := doJSON(t, "POST", testAppURL+"/v1/listing", farmerToken, payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "create listing status code: %+v", body)
	listingID, ok := body["id"].(string)
	require.True(t, ok && listingID != "", "create listing response should carry the listing ID")
	return listingID
}

// --- Tests ---

// TestIntegration_Ping tests the /v1/ping endpoint of the running application.
func TestIntegration_Ping(t *testing.T) {
	resp, err := http.Get(pingEndpoint)
	assert.NoError(t, err, "Request to %s should not fail", pingEndpoint)
	if err != nil {
		t.FailNow()
	}
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode, "Expected status code OK (200)")

	bodyBytes, err := io.ReadAll(resp.Body)
	assert.NoError(t, err, "Should be able to read response body")
	assert.Equal(t, "pong", string(bodyBytes), "Response body should be 'pong'")
}

// TestIntegration_OpsHealth checks the ops health endpoint of the API process.
func TestIntegration_OpsHealth(t *testing.T) {
	body, resp := doJSON(t, "GET", testOpsURL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health endpoint should report OK: %+v", body)
	assert.Equal(t, "ok", body["status"], "health status should be 'ok'")
}

// TestIntegration_AuctionLifecycle walks the whole happy path: a farmer
// lists produce with a short auction window, a buyer outbids the base
// price, wins when the window closes, checks out cash-on-delivery and
// confirms, after which the listing is no longer available.
func TestIntegration_AuctionLifecycle(t *testing.T) {
	farmerID, farmerToken := setupAccount(t, "farmer")
	buyerID, buyerToken := setupAccount(t, "buyer")

	start := time.Now().UTC().Add(-time.Minute)
	end := time.Now().UTC().Add(3 * time.Second)
	listingID := createListing(t, farmerToken, 40, &start, &end)

	// The owning farmer holds the wrong role for bidding
	body, resp := doJSON(t, "POST", testAppURL+"/v1/listing/"+listingID+"/bid", farmerToken,
		map[string]interface{}{"amount": 50})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "farmer bid should be rejected: %+v", body)

	// A bid at the base price is not an improvement
	body, resp = doJSON(t, "POST", testAppURL+"/v1/listing/"+listingID+"/bid", buyerToken,
		map[string]interface{}{"amount": 40})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "base-price bid should be rejected: %+v", body)

	// A bid above the base price is accepted
	body, resp = doJSON(t, "POST", testAppURL+"/v1/listing/"+listingID+"/bid", buyerToken,
		map[string]interface{}{"amount": 50})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "bid should be accepted: %+v", body)
	assert.Equal(t, buyerID, body["bidder_id"], "accepted bid should carry the buyer ID")

	body, resp = doJSON(t, "GET", testAppURL+"/v1/listing/"+listingID+"/highest-bid", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(50), body["amount"], "highest bid should be the accepted amount")

	// No winner while the window is open
	body, resp = doJSON(t, "GET", testAppURL+"/v1/listing/"+listingID+"/winner", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "winner should be unavailable while active: %+v", body)

	// The accepted bid notifies the farmer via the background worker
	waitForNotification(t, farmerToken, "bid_placed", listingID)

	// Wait out the auction window
	log.Println("Waiting for the auction window to close...")
	time.Sleep(time.Until(end.Add(time.Second)))

	body, resp = doJSON(t, "GET", testAppURL+"/v1/listing/"+listingID+"/winner", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "winner should resolve after close: %+v", body)
	assert.Equal(t, buyerID, body["bidder_id"], "buyer should be the winner")
	assert.Equal(t, float64(50), body["amount"])

	// Checkout cash-on-delivery
	body, resp = doJSON(t, "POST", testAppURL+"/v1/listing/"+listingID+"/checkout", buyerToken,
		map[string]interface{}{"payment_method": "cod", "delivery_address": "12 Market Road"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "checkout should succeed: %+v", body)
	saleData, ok := body["sale"].(map[string]interface{})
	require.True(t, ok, "checkout response should carry the sale")
	assert.Equal(t, "pending", saleData["payment_status"], "sale should await payment")
	assert.NotContains(t, body, "payment_order", "COD checkout needs no provider order")
	saleID := saleData["id"].(string)

	// Confirm the COD payment
	body, resp = doJSON(t, "POST", testAppURL+"/v1/sale/"+saleID+"/confirm", buyerToken,
		map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode, "confirm should succeed: %+v", body)
	assert.Equal(t, "completed", body["payment_status"], "sale should be completed")
	assert.NotEmpty(t, body["paid_at"], "completed sale should carry a payment timestamp")
	assert.Equal(t, farmerID, body["farmer_id"])

	// Both parties can see the sale
	body, resp = doJSON(t, "GET", testAppURL+"/v1/sale/"+saleID, farmerToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "farmer should see the sale: %+v", body)

	// The listing slot is consumed
	body, resp = doJSON(t, "POST", testAppURL+"/v1/listing/"+listingID+"/checkout", buyerToken,
		map[string]interface{}{"payment_method": "cod", "delivery_address": "12 Market Road"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second checkout should be rejected: %+v", body)

	body, resp = doJSON(t, "GET", testAppURL+"/v1/listing/"+listingID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["available"], "sold listing should no longer be available")

	log.Printf("Auction lifecycle complete: listing %s sold to %s", listingID, buyerID)
}

// TestIntegration_BidWithoutWindow verifies that a listing created without
// an auction window never accepts bids.
func TestIntegration_BidWithoutWindow(t *testing.T) {
	_, farmerToken := setupAccount(t, "farmer")
	_, buyerToken := setupAccount(t, "buyer")

	listingID := createListing(t, farmerToken, 40, nil, nil)

	body, resp := doJSON(t, "POST", testAppURL+"/v1/listing/"+listingID+"/bid", buyerToken,
		map[string]interface{}{"amount": 50})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "bid without a window should be rejected: %+v", body)
}

// waitForNotification polls the user's notifications until one of the given
// type shows up for the listing, or fails the test on timeout.
func waitForNotification(t *testing.T, jwtToken, notifType, listingID string) {
	t.Helper()
	pollTimeout := time.After(10 * time.Second)
	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()

	log.Printf("Polling for notification: Type=%s, Listing=%s", notifType, listingID)

	for {
		select {
		case <-pollTimeout:
			t.Fatalf("Timeout waiting for notification (Type: %s, Listing: %s)", notifType, listingID)
		case <-pollTicker.C:
			req, err := http.NewRequest("GET", testAppURL+"/v1/my/notifications", nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+jwtToken)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				log.Printf("Error listing notifications: %v", err)
				continue
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				log.Printf("Notification list returned status %d. Polling...", resp.StatusCode)
				continue
			}
			var items []map[string]interface{}
			if err := json.Unmarshal(bodyBytes, &items); err != nil {
				log.Printf("Failed to unmarshal notification list: %v", err)
				continue
			}
			for _, n := range items {
				if n["type"] == notifType && n["listing_id"] == listingID {
					log.Printf("Found notification: %+v", n)
					return
				}
			}
		}
	}
}
