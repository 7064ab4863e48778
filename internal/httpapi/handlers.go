package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensekeeper/internal/owner"
	"licensekeeper/internal/store"
	"licensekeeper/internal/verify"
)

type verifyRequest struct {
	LicenseKey string  `json:"license_key" validate:"required,max=128"`
	MachineID  string  `json:"machine_id" validate:"required,max=255"`
	IPAddress  *string `json:"ip_address" validate:"omitempty,max=64"`
}

type verifyResponse struct {
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := a.decode(w, r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	res, err := a.verifier.Verify(r.Context(), verify.Request{
		LicenseKey: req.LicenseKey,
		MachineID:  req.MachineID,
		IPAddress:  req.IPAddress,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, verifyResponse{Valid: res.Valid, ExpiresAt: res.ExpiresAt, Message: res.Message})
}

type createLicenseRequest struct {
	ExpiresAt  *time.Time `json:"expires_at" validate:"required"`
	AllowedIPs *string    `json:"allowed_ips" validate:"omitempty,max=4096"`
}

func (a *API) handleCreateLicense(w http.ResponseWriter, r *http.Request) {
	var req createLicenseRequest
	if err := a.decode(w, r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	lic, err := a.manager.CreateLicense(r.Context(), ownerFrom(r.Context()).ID, *req.ExpiresAt, req.AllowedIPs)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

func (a *API) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip")
	if err != nil {
		renderError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		renderError(w, r, err)
		return
	}
	list, err := a.manager.ListLicenses(r.Context(), ownerFrom(r.Context()).ID, skip, limit)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if list == nil {
		list = []store.License{}
	}
	render.JSON(w, r, list)
}

func (a *API) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	id, err := licenseID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	lic, err := a.manager.GetLicense(r.Context(), ownerFrom(r.Context()).ID, id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

type patchLicenseRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

func (a *API) handlePatchLicense(w http.ResponseWriter, r *http.Request) {
	id, err := licenseID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	var req patchLicenseRequest
	if err := a.decode(w, r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	lic, err := a.manager.SetActive(r.Context(), ownerFrom(r.Context()).ID, id, *req.IsActive)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

func (a *API) handleListActivations(w http.ResponseWriter, r *http.Request) {
	id, err := licenseID(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	acts, err := a.manager.ListActivations(r.Context(), ownerFrom(r.Context()).ID, id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if acts == nil {
		acts = []store.Activation{}
	}
	render.JSON(w, r, acts)
}

type ownerKey struct{}

// requireOwner resolves the bearer token to an owner or answers 401.
func (a *API) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			renderError(w, r, errUnauthenticated)
			return
		}
		o, err := a.owners.ByToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			renderError(w, r, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, o)))
	})
}

func ownerFrom(ctx context.Context) owner.Owner {
	o, _ := ctx.Value(ownerKey{}).(owner.Owner)
	return o
}

func licenseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidField("id", "must be a positive integer")
	}
	return id, nil
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidField(name, "must be an integer")
	}
	return n, nil
}
