// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kadirpekel/orcacore/identity"
)

// IdentifierFunc extracts the rate-limit key from a request. The default
// prefers the resolved caller's user id (set by identity.Middleware,
// applied upstream of this one) and falls back to remote address for
// unauthenticated probes.
type IdentifierFunc func(r *http.Request) string

// DefaultIdentifierFunc implements the fallback above.
func DefaultIdentifierFunc(r *http.Request) string {
	if access := identity.FromRequest(r); access.UserID != "" {
		return access.UserID
	}
	return r.RemoteAddr
}

// Middleware rejects requests beyond the configured rate with 429 and a
// Retry-After header, per spec §6.2. limiter == nil disables the check.
func Middleware(limiter *Limiter, identifierFn IdentifierFunc) func(http.Handler) http.Handler {
	if identifierFn == nil {
		identifierFn = DefaultIdentifierFunc
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := limiter.Allow(identifierFn(r))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":    "rate_limit_exceeded",
						"message": "too many requests, slow down",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
