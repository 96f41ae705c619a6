package verifier

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/stretchr/testify/suite"
)

type fakeExplorer struct {
	mu            sync.Mutex
	submitResults []map[string]string
	statusResults []map[string]string
	submitted     map[string]string
	statusCalls   int
}

func (f *fakeExplorer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var resp map[string]string
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		f.submitted = map[string]string{}
		for k := range r.PostForm {
			f.submitted[k] = r.PostForm.Get(k)
		}
		resp, f.submitResults = f.submitResults[0], f.submitResults[1:]
	} else {
		f.statusCalls++
		resp, f.statusResults = f.statusResults[0], f.statusResults[1:]
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func ok(result string) map[string]string {
	return map[string]string{"status": "1", "message": "OK", "result": result}
}

func notOK(result string) map[string]string {
	return map[string]string{"status": "0", "message": "NOTOK", "result": result}
}

type VerifierTestSuite struct {
	suite.Suite
	explorer *fakeExplorer
	server   *httptest.Server
	verifier *EtherscanVerifier
}

func (s *VerifierTestSuite) SetupTest() {
	s.explorer = &fakeExplorer{}
	s.server = httptest.NewServer(s.explorer)
	s.verifier = NewEtherscanVerifier(EtherscanConfig{PollInterval: time.Millisecond, MaxAttempts: 5})
}

func (s *VerifierTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *VerifierTestSuite) request() Request {
	return Request{
		Network: ledger.Network{
			Name:           "sepolia",
			ChainID:        big.NewInt(11155111),
			ExplorerAPIURL: s.server.URL,
			ExplorerAPIKey: "key",
		},
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		ContractName:    "LaunchToken",
		SourceCode:      "contract LaunchToken {}",
		CompilerVersion: "0.8.24",
		ConstructorArgs: []byte{0x01, 0x02},
	}
}

func (s *VerifierTestSuite) TestVerified() {
	s.explorer.submitResults = []map[string]string{ok("guid-1")}
	s.explorer.statusResults = []map[string]string{notOK("Pending in queue"), ok("Pass - Verified")}

	result, err := s.verifier.Verify(context.Background(), s.request())
	s.Require().NoError(err)
	s.Equal("guid-1", result.GUID)
	s.Equal("Pass - Verified", result.Message)
	s.Equal(2, s.explorer.statusCalls)

	s.Equal("verifysourcecode", s.explorer.submitted["action"])
	s.Equal("v0.8.24+commit.e11b9ed9", s.explorer.submitted["compilerversion"])
	s.Equal("0102", s.explorer.submitted["constructorArguements"])
	s.Equal("11155111", s.explorer.submitted["chainid"])
	s.Equal("0", s.explorer.submitted["optimizationUsed"])
}

func (s *VerifierTestSuite) TestRejectedStatus() {
	s.explorer.submitResults = []map[string]string{ok("guid-2")}
	s.explorer.statusResults = []map[string]string{notOK("Fail - Unable to verify")}

	result, err := s.verifier.Verify(context.Background(), s.request())
	s.True(errors.Is(err, ErrRejected))
	s.Equal("guid-2", result.GUID)
}

func (s *VerifierTestSuite) TestAlreadyVerified() {
	s.explorer.submitResults = []map[string]string{notOK("Contract source code already verified")}
	result, err := s.verifier.Verify(context.Background(), s.request())
	s.Require().NoError(err)
	s.Empty(result.GUID)
}

func (s *VerifierTestSuite) TestRetriesUntilIndexed() {
	s.explorer.submitResults = []map[string]string{
		notOK("Unable to locate ContractCode at 0x5fbdb"),
		ok("guid-3"),
	}
	s.explorer.statusResults = []map[string]string{ok("Pass - Verified")}
	result, err := s.verifier.Verify(context.Background(), s.request())
	s.Require().NoError(err)
	s.Equal("guid-3", result.GUID)
}

func (s *VerifierTestSuite) TestStillPending() {
	s.explorer.submitResults = []map[string]string{ok("guid-4")}
	for i := 0; i < 5; i++ {
		s.explorer.statusResults = append(s.explorer.statusResults, notOK("Pending in queue"))
	}
	_, err := s.verifier.Verify(context.Background(), s.request())
	s.ErrorContains(err, "still pending")
	s.False(errors.Is(err, ErrRejected))
}

func (s *VerifierTestSuite) TestCancelAbortsInFlightRequest() {
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer hung.Close()
	req := s.request()
	req.Network.ExplorerAPIURL = hung.URL

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	started := time.Now()
	_, err := s.verifier.Verify(ctx, req)
	s.True(errors.Is(err, context.Canceled), "unexpected error: %v", err)
	s.Less(time.Since(started), 5*time.Second)
}

func (s *VerifierTestSuite) TestSupports() {
	req := s.request()
	s.True(s.verifier.Supports(req))
	req.SourceCode = ""
	s.False(s.verifier.Supports(req))
	req = s.request()
	req.Network.ExplorerAPIURL = ""
	s.False(s.verifier.Supports(req))

	_, err := s.verifier.Verify(context.Background(), req)
	s.Error(err)
}

func TestVerifierTestSuite(t *testing.T) {
	suite.Run(t, new(VerifierTestSuite))
}

func TestCompilerVersion(t *testing.T) {
	cases := map[string]string{
		"0.8.24":                  "v0.8.24+commit.e11b9ed9",
		"v0.8.20":                 "v0.8.20+commit.a1b79de6",
		"0.8.21+commit.d9974bed":  "v0.8.21+commit.d9974bed",
		"v0.8.21+commit.d9974bed": "v0.8.21+commit.d9974bed",
		"0.7.6":                   "v0.7.6",
	}
	for in, want := range cases {
		if got := CompilerVersion(in); got != want {
			t.Errorf("CompilerVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
