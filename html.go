package main

import (
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed templates/dokistry.css
var styleCSS []byte

var funcs = htmltemplate.FuncMap{
	// For displaying image and repository sizes, 1024-based.
	"formatSize": formatSize,
	// Time between now and t.
	"age": func(t time.Time) string {
		const day = 24 * time.Hour
		const week = 7 * day
		const month = 30 * day
		const year = 365 * day
		d := time.Since(t)
		if d < 2*time.Minute {
			return "just now"
		} else if d < 2*time.Hour {
			return fmt.Sprintf("%d minutes ago", int64(math.Round(float64(d)/float64(time.Minute))))
		} else if d < 2*day {
			return fmt.Sprintf("%d hours ago", int64(math.Round(float64(d)/float64(time.Hour))))
		} else if d < 2*week {
			return fmt.Sprintf("%d days ago", int64(math.Round(float64(d)/float64(day))))
		} else if d < 2*month {
			return fmt.Sprintf("%d weeks ago", int64(math.Round(float64(d)/float64(week))))
		} else if d < 2*year {
			return fmt.Sprintf("%d months ago", int64(math.Round(float64(d)/float64(month))))
		}
		return fmt.Sprintf("%d years ago", int64(math.Round(float64(d)/float64(year))))
	},
	"imageURL": imagePath,
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// formatSize formats with at most 2 decimals, e.g. "1.23 KB", "1.5 KB" or "0 B".
func formatSize(v int64) string {
	s := units.CustomSize("%.2f %s", float64(v), 1024, sizeUnits)
	num, unit, _ := strings.Cut(s, " ")
	num = strings.TrimRight(strings.TrimRight(num, "0"), ".")
	return num + " " + unit
}

func parseTemplate(page string) *htmltemplate.Template {
	return htmltemplate.Must(htmltemplate.New(page).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+page))
}

var dashboardTemplate = parseTemplate("dashboard.html")
var imageTemplate = parseTemplate("image.html")

type webPath struct {
	Name   string
	Regexp *regexp.Regexp
	Method string
	Handle func(wb web, user DBUser, args []string, w *loggingWriter, r *http.Request)
}

// The delete path must come before the image path, which also matches it.
var webPaths = []webPath{
	{"htmlRoot", regexp.MustCompile(`^/$`), "GET", web.root},
	{"htmlDashboard", regexp.MustCompile(`^/dashboard/?$`), "GET", web.dashboard},
	{"htmlDelete", regexp.MustCompile(`^/images/(.+)/delete$`), "POST", web.delete},
	{"htmlImage", regexp.MustCompile(`^/images/(.+?)/?$`), "GET", web.image},
	{"htmlStyle", regexp.MustCompile(`^/dokistry\.css$`), "GET", web.style},
}

// web serves the HTML pages.
type web struct {
	svc *Service

	// Shown on dashboard.
	gcHint string
}

func (wb web) ServeHTTP(xw http.ResponseWriter, r *http.Request) {
	w := newLoggingWriter(xw, r, "(html)")

	defer func() {
		x := recover()
		if x == nil {
			return
		}

		if err, ok := x.(httpErr); ok {
			log.WithFields(log.Fields{"id": w.ID, "code": err.code}).Debug("http error")
			if err.code == http.StatusUnauthorized {
				setAuthenticate(w.Header())
			}
			http.Error(w, fmt.Sprintf("%d - %s", err.code, http.StatusText(err.code)), err.code)
		} else if err, ok := x.(serverErr); ok {
			log.WithFields(log.Fields{"id": w.ID, "err": err.err}).Error("server error")
			http.Error(w, fmt.Sprintf("500 - internal server error - %s", err.err), http.StatusInternalServerError)
		} else {
			metricPanic.WithLabelValues("html").Inc()
			panic(x)
		}
	}()

	user := xauth(r)

	for _, p := range webPaths {
		l := p.Regexp.FindStringSubmatch(r.URL.Path)
		if l == nil {
			continue
		}
		w.Op = p.Name
		if r.Method != p.Method && !(p.Method == "GET" && r.Method == "HEAD") {
			w.Header().Set("Allow", p.Method)
			panic(httpErr{http.StatusMethodNotAllowed})
		}
		p.Handle(wb, user, l[1:], w, r)
		return
	}
	panic(httpErr{http.StatusNotFound})
}

func xexecute(t *htmltemplate.Template, w http.ResponseWriter, code int, params map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	err := t.ExecuteTemplate(w, "layout", params)
	if err != nil && !isClosed(err) {
		log.WithField("err", err).Error("executing template")
	}
}

func (wb web) root(user DBUser, args []string, w *loggingWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (wb web) style(user DBUser, args []string, w *loggingWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "text/css; charset=utf-8")
	h.Set("Cache-Control", "max-age=3600")
	w.Write(styleCSS)
}

// repoSize is a row in the storage table of the dashboard.
type repoSize struct {
	Name string
	Tags int
	Size int64
}

func (wb web) dashboard(user DBUser, args []string, w *loggingWriter, r *http.Request) {
	ctx := r.Context()

	deletions, err := recentDeletions(ctx, 10)
	xcheckf(err, "listing recent deletions")

	params := map[string]any{
		"Title":     "Dashboard",
		"User":      user,
		"Deletions": deletions,
		"GCHint":    wb.gcHint,
	}

	resp, err := wb.svc.RepositoriesWithTags(ctx)
	if err != nil {
		log.WithFields(log.Fields{"id": w.ID, "err": err}).Error("fetching repositories for dashboard")
		params["Error"] = err.Error()
		xexecute(dashboardTemplate, w, http.StatusBadGateway, params)
		return
	}

	var sizes []repoSize
	var total int64
	nav := []string{}
	for _, repo := range resp.Repositories {
		nav = append(nav, repo.Name)
		if repo.TotalSize == 0 {
			continue
		}
		sizes = append(sizes, repoSize{repo.Name, len(repo.Tags), repo.TotalSize})
		total += repo.TotalSize
	}
	slices.SortStableFunc(sizes, func(a, b repoSize) int {
		if a.Size > b.Size {
			return -1
		} else if a.Size < b.Size {
			return 1
		}
		return 0
	})

	params["Nav"] = nav
	params["Repositories"] = resp.Repositories
	params["Sizes"] = sizes
	params["Total"] = total
	xexecute(dashboardTemplate, w, http.StatusOK, params)
}

func (wb web) image(user DBUser, args []string, w *loggingWriter, r *http.Request) {
	name := args[0]
	if !validRepo(name) {
		panic(httpErr{http.StatusNotFound})
	}

	repo, err := wb.svc.Repository(r.Context(), name)
	if errors.Is(err, ErrNotFound) {
		panic(httpErr{http.StatusNotFound})
	}
	xcheckf(err, "fetching repository")

	q := r.URL.Query()
	deleted, _ := strconv.Atoi(q.Get("deleted"))
	params := map[string]any{
		"Title":   name,
		"User":    user,
		"IsAdmin": user.Role == RoleAdmin,
		"Nav":     wb.nav(r),
		"Repo":    repo,
		"Deleted": deleted,
		"Failed":  q["failed"],
		"Notice":  q.Has("deleted"),
	}
	xexecute(imageTemplate, w, http.StatusOK, params)
}

// nav returns repository names for the navigation, empty on errors.
func (wb web) nav(r *http.Request) []string {
	menu := wb.svc.Menu(r.Context())
	l := []string{}
	for _, item := range menu.NavMain {
		for _, sub := range item.Items {
			if sub.URL != "#" {
				l = append(l, sub.Title)
			}
		}
	}
	return l
}

func (wb web) delete(user DBUser, args []string, w *loggingWriter, r *http.Request) {
	xsameOrigin(r)
	xadmin(user)

	name := args[0]
	if !validRepo(name) {
		panic(httpErr{http.StatusNotFound})
	}
	if err := r.ParseForm(); err != nil {
		panic(httpErr{http.StatusBadRequest})
	}
	tags := r.PostForm["tag"]
	if len(tags) == 0 {
		panic(httpErr{http.StatusBadRequest})
	}

	result := wb.svc.DeleteTags(r.Context(), name, tags)
	err := recordDeletions(r.Context(), user.Username, name, result)
	xcheckf(err, "recording deletions")

	q := url.Values{}
	q.Set("deleted", fmt.Sprintf("%d", len(result.Success)))
	for _, f := range result.Failed {
		q.Add("failed", f.Tag)
	}
	http.Redirect(w, r, imagePath(name)+"?"+q.Encode(), http.StatusSeeOther)
}

// xsameOrigin rejects form posts from other sites. Browsers send an Origin
// header with POST requests.
func xsameOrigin(r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host != r.Host {
		log.WithFields(log.Fields{"origin": origin, "host": r.Host}).Info("rejecting cross-origin request")
		panic(httpErr{http.StatusForbidden})
	}
}
