// Package httputil provides HTTP utilities for standardized request and
// response handling.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, data)
//	httputil.WriteCreated(w, resource)
//
// Error responses:
//
//	httputil.WriteAPIError(w, err) // status derived from the error kind
//	httputil.WriteBadRequest(w, "Invalid input")
//	httputil.WriteUnauthorized(w, "Token expired")
//	httputil.WriteForbidden(w, "Insufficient permissions")
//
// Error bodies use the npm wire format {"error": message}, which npm and
// compatible clients surface to the user.
//
// # Request Parsing
//
// JSON parsing:
//
//	var req loginRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Query parameters:
//
//	limit := httputil.ParseQueryInt(r, "limit", 20)
//	sort := httputil.ParseQueryString(r, "sort", "name")
//
// # Related Packages
//
//   - pkg/middleware: authentication, request IDs and request logging
//   - pkg/apierrors: the error kinds WriteAPIError maps to status codes
package httputil
