package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tablex-io/tablex/internal/accounts"
	"github.com/tablex-io/tablex/internal/extract"
	"github.com/tablex-io/tablex/internal/pipeline"
	"github.com/tablex-io/tablex/internal/rasterize"
)

func TestServer(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Server Suite")
}

// mockUserStore is a mock implementation of accounts.UserStore
type mockUserStore struct {
	users     map[string]accounts.User
	passwords map[string]string
	listing   []accounts.UserUsage
	listErr   error
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:     make(map[string]accounts.User),
		passwords: make(map[string]string),
	}
}

func (m *mockUserStore) add(username, password string, role accounts.Role) {
	m.users[username] = accounts.User{Username: username, Role: role}
	m.passwords[username] = password
}

func (m *mockUserStore) Register(ctx context.Context, user accounts.User, password string) error {
	if _, ok := m.users[user.Username]; ok {
		return accounts.ErrUserExists
	}
	m.users[user.Username] = user
	m.passwords[user.Username] = password
	return nil
}

func (m *mockUserStore) Authenticate(ctx context.Context, username, password string) (*accounts.User, error) {
	user, ok := m.users[username]
	if !ok {
		return nil, accounts.ErrUserNotFound
	}
	if m.passwords[username] != password {
		return nil, accounts.ErrInvalidCredentials
	}
	return &user, nil
}

func (m *mockUserStore) RoleOf(ctx context.Context, username string) (accounts.Role, error) {
	user, ok := m.users[username]
	if !ok {
		return "", accounts.ErrUserNotFound
	}
	return user.Role, nil
}

func (m *mockUserStore) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if _, ok := m.users[username]; !ok {
		return accounts.ErrUserNotFound
	}
	if m.passwords[username] != oldPassword {
		return accounts.ErrInvalidCredentials
	}
	m.passwords[username] = newPassword
	return nil
}

func (m *mockUserStore) ListUsers(ctx context.Context) ([]accounts.UserUsage, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listing, nil
}

func (m *mockUserStore) EnsureUser(ctx context.Context, username, name string, role accounts.Role) error {
	if _, ok := m.users[username]; !ok {
		m.users[username] = accounts.User{Username: username, Name: name, Role: role}
	}
	return nil
}

// mockLedger is a mock implementation of accounts.Ledger
type mockLedger struct {
	records map[string]*accounts.UsageRecord
}

func (m *mockLedger) Record(ctx context.Context, username string, deltaCalls, deltaTokens int) (*accounts.UsageRecord, error) {
	record, ok := m.records[username]
	if !ok {
		return nil, accounts.ErrUserNotFound
	}
	record.APICalls += deltaCalls
	record.TotalTokenCount += deltaTokens
	return record, nil
}

func (m *mockLedger) Snapshot(ctx context.Context, username string) (*accounts.UsageRecord, error) {
	record, ok := m.records[username]
	if !ok {
		return nil, accounts.ErrUserNotFound
	}
	return record, nil
}

// mockRunner is a mock implementation of Runner
type mockRunner struct {
	run      *pipeline.DocumentRun
	err      error
	username string
	pages    int
}

func (m *mockRunner) Run(ctx context.Context, username string, pages []rasterize.Page) (*pipeline.DocumentRun, error) {
	m.username = username
	m.pages = len(pages)
	return m.run, m.err
}

func multipartPDF(filename string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", filename)
	part.Write([]byte("%PDF-1.4 fake"))
	writer.Close()
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		users      *mockUserStore
		ledger     *mockLedger
		runner     *mockRunner
		rasterizer Rasterizer
		dataDir    string
		anonymous  bool
		srv        *Server
		rec        *httptest.ResponseRecorder
		req        *http.Request
	)

	BeforeEach(func() {
		users = newMockUserStore()
		users.add("alice", "pw", accounts.RoleUser)
		users.add("root", "rootpw", accounts.RoleAdmin)

		ledger = &mockLedger{records: map[string]*accounts.UsageRecord{
			"alice": {Username: "alice", APICalls: 7, TotalTokenCount: 420},
		}}

		runner = &mockRunner{
			run: &pipeline.DocumentRun{
				ID: "run-1",
				Results: []extract.Result{
					{PageIndex: 0, RawJSON: `[{"amount": 1}]`, TokenCost: 10, Status: extract.StatusSuccess},
				},
				TotalAPICalls:   1,
				TotalTokenCount: 10,
			},
		}

		rasterizer = func(pdf []byte) ([]rasterize.Page, error) {
			return []rasterize.Page{{Index: 0, PNG: []byte("png")}}, nil
		}

		dataDir = GinkgoT().TempDir()
		anonymous = false
		rec = httptest.NewRecorder()
	})

	JustBeforeEach(func() {
		srv = New(rasterizer, runner, users, ledger, dataDir, anonymous)
		srv.ServeHTTP(rec, req)
	})

	Describe("POST /api/extract", func() {
		BeforeEach(func() {
			body, contentType := multipartPDF("statement.pdf")
			req = httptest.NewRequest("POST", "/api/extract", body)
			req.Header.Set("Content-Type", contentType)
			req.SetBasicAuth("alice", "pw")
		})

		When("the pipeline succeeds", func() {
			It("should return 200 with run totals and the export path", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))

				var resp map[string]any
				Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
				Expect(resp["run_id"]).To(Equal("run-1"))
				Expect(resp["api_calls"]).To(Equal(1.0))
				Expect(resp["rows"]).To(Equal(1.0))
				Expect(resp["excel_path"]).To(Equal("/api/exports/statement_extracted.xlsx"))
			})

			It("should run under the authenticated identity", func() {
				Expect(runner.username).To(Equal("alice"))
			})

			It("should write the spreadsheet into the data directory", func() {
				_, err := os.Stat(filepath.Join(dataDir, "statement_extracted.xlsx"))
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("credentials are missing", func() {
			BeforeEach(func() {
				req.Header.Del("Authorization")
			})

			It("should return 401", func() {
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			})
		})

		When("anonymous access is enabled and credentials are missing", func() {
			BeforeEach(func() {
				anonymous = true
				req.Header.Del("Authorization")
			})

			It("should run as the anonymous sentinel", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(runner.username).To(Equal(AnonymousUser))
			})
		})

		When("the document cannot be opened", func() {
			BeforeEach(func() {
				rasterizer = func(pdf []byte) ([]rasterize.Page, error) {
					return nil, rasterize.ErrDocumentOpen
				}
			})

			It("should return 400", func() {
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})

		When("every page fails extraction", func() {
			BeforeEach(func() {
				runner.run = &pipeline.DocumentRun{ID: "run-2"}
				runner.err = pipeline.ErrAllPagesFailed
			})

			It("should return 422", func() {
				Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		When("usage could not be recorded", func() {
			BeforeEach(func() {
				runner.err = pipeline.ErrUsageNotRecorded
			})

			It("should still return the extraction with a warning", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))

				var resp map[string]any
				Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
				Expect(resp["usage_warning"]).NotTo(BeEmpty())
			})
		})

		When("no page produced parseable rows", func() {
			BeforeEach(func() {
				runner.run = &pipeline.DocumentRun{
					ID: "run-3",
					Results: []extract.Result{
						{PageIndex: 0, RawJSON: "None", TokenCost: 5, Status: extract.StatusSuccess},
					},
					TotalAPICalls:   1,
					TotalTokenCount: 5,
				}
			})

			It("should return 422", func() {
				Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
			})
		})
	})

	Describe("GET /api/usage", func() {
		BeforeEach(func() {
			req = httptest.NewRequest("GET", "/api/usage", nil)
			req.SetBasicAuth("alice", "pw")
		})

		It("should return the caller's usage record", func() {
			Expect(rec.Code).To(Equal(http.StatusOK))

			var record accounts.UsageRecord
			Expect(json.Unmarshal(rec.Body.Bytes(), &record)).To(Succeed())
			Expect(record.APICalls).To(Equal(7))
			Expect(record.TotalTokenCount).To(Equal(420))
		})

		When("the password is wrong", func() {
			BeforeEach(func() {
				req.SetBasicAuth("alice", "nope")
			})

			It("should return 401", func() {
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			})
		})
	})

	Describe("GET /api/users", func() {
		BeforeEach(func() {
			users.listing = []accounts.UserUsage{
				{Username: "alice", APICalls: 7, TotalTokenCount: 420},
			}
			req = httptest.NewRequest("GET", "/api/users", nil)
		})

		When("the caller is an admin", func() {
			BeforeEach(func() {
				req.SetBasicAuth("root", "rootpw")
			})

			It("should return the listing", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))

				var listing []accounts.UserUsage
				Expect(json.Unmarshal(rec.Body.Bytes(), &listing)).To(Succeed())
				Expect(listing).To(HaveLen(1))
				Expect(listing[0].Username).To(Equal("alice"))
			})
		})

		When("the caller is not an admin", func() {
			BeforeEach(func() {
				req.SetBasicAuth("alice", "pw")
			})

			It("should return 403", func() {
				Expect(rec.Code).To(Equal(http.StatusForbidden))
			})
		})
	})

	Describe("POST /api/users", func() {
		BeforeEach(func() {
			body, _ := json.Marshal(map[string]string{
				"username": "bob",
				"name":     "Bob",
				"email":    "bob@example.com",
				"password": "secret",
			})
			req = httptest.NewRequest("POST", "/api/users", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		})

		It("should create the account", func() {
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(users.users).To(HaveKey("bob"))
		})

		When("the username is taken", func() {
			BeforeEach(func() {
				body, _ := json.Marshal(map[string]string{"username": "alice", "password": "x"})
				req = httptest.NewRequest("POST", "/api/users", bytes.NewReader(body))
			})

			It("should return 409", func() {
				Expect(rec.Code).To(Equal(http.StatusConflict))
			})
		})

		When("the password is missing", func() {
			BeforeEach(func() {
				body, _ := json.Marshal(map[string]string{"username": "carol"})
				req = httptest.NewRequest("POST", "/api/users", bytes.NewReader(body))
			})

			It("should return 400", func() {
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("POST /api/users/password", func() {
		BeforeEach(func() {
			body, _ := json.Marshal(map[string]string{
				"old_password": "pw",
				"new_password": "pw2",
			})
			req = httptest.NewRequest("POST", "/api/users/password", bytes.NewReader(body))
			req.SetBasicAuth("alice", "pw")
		})

		It("should change the password", func() {
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(users.passwords["alice"]).To(Equal("pw2"))
		})

		When("the old password is wrong", func() {
			BeforeEach(func() {
				body, _ := json.Marshal(map[string]string{
					"old_password": "nope",
					"new_password": "pw2",
				})
				req = httptest.NewRequest("POST", "/api/users/password", bytes.NewReader(body))
				req.SetBasicAuth("alice", "pw")
			})

			It("should return 403", func() {
				Expect(rec.Code).To(Equal(http.StatusForbidden))
			})
		})

		When("the caller is anonymous", func() {
			BeforeEach(func() {
				anonymous = true
				req.Header.Del("Authorization")
			})

			It("should return 403", func() {
				Expect(rec.Code).To(Equal(http.StatusForbidden))
			})
		})
	})

	Describe("exports", func() {
		BeforeEach(func() {
			Expect(os.WriteFile(filepath.Join(dataDir, "statement_extracted.xlsx"), []byte("xlsx-bytes"), 0644)).To(Succeed())
		})

		Describe("GET /api/exports/{name}", func() {
			BeforeEach(func() {
				req = httptest.NewRequest("GET", "/api/exports/statement_extracted.xlsx", nil)
				req.SetBasicAuth("alice", "pw")
			})

			It("should serve the spreadsheet", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Body.String()).To(Equal("xlsx-bytes"))
				Expect(rec.Header().Get("Content-Type")).To(ContainSubstring("spreadsheetml"))
			})

			When("the export does not exist", func() {
				BeforeEach(func() {
					req = httptest.NewRequest("GET", "/api/exports/missing.xlsx", nil)
					req.SetBasicAuth("alice", "pw")
				})

				It("should return 404", func() {
					Expect(rec.Code).To(Equal(http.StatusNotFound))
				})
			})
		})

		Describe("DELETE /api/exports", func() {
			BeforeEach(func() {
				req = httptest.NewRequest("DELETE", "/api/exports", nil)
				req.SetBasicAuth("alice", "pw")
			})

			It("should remove every exported file", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))

				entries, err := os.ReadDir(dataDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
		})
	})
})

var _ = Describe("identify", func() {
	It("rejects unknown users", func() {
		users := newMockUserStore()
		srv := New(nil, nil, users, &mockLedger{}, "", false)

		req := httptest.NewRequest("GET", "/api/usage", nil)
		req.SetBasicAuth("ghost", "pw")

		_, err := srv.identify(req)
		Expect(err).To(MatchError(accounts.ErrUserNotFound))
	})

	It("rejects missing credentials when anonymous access is off", func() {
		srv := New(nil, nil, newMockUserStore(), &mockLedger{}, "", false)

		req := httptest.NewRequest("GET", "/api/usage", nil)
		_, err := srv.identify(req)
		Expect(err).To(MatchError("no credentials provided"))
	})
})
