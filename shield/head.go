package shield

import "net/http"

// HeadToGet serves HEAD requests through the GET routes, so probes such as
// "HEAD /health" do not get 405. net/http drops the body of HEAD replies.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
