package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mjl-/bstore"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Where users and the deletion log are stored.
var database *bstore.DB

// In the DB types below, the first field is the (unique) primary key.

type Role string

const (
	RoleAdmin Role = "admin" // Can delete tags.
	RoleUser  Role = "user"  // Read-only.
)

// DBUser is a user that can login with HTTP basic authentication to the web
// interface and API. The first user added becomes admin.
type DBUser struct {
	Username string
	Hash     []byte    `bstore:"nonzero"` // bcrypt.
	Role     Role      `bstore:"nonzero"`
	Created  time.Time `bstore:"nonzero,default now"`
}

// DBDeletion is an attempt to delete a tag, kept as audit log. Error is empty if
// the tag was deleted.
type DBDeletion struct {
	ID       int64
	Time     time.Time `bstore:"nonzero,default now,index"`
	Username string    `bstore:"nonzero"`
	Repo     string    `bstore:"nonzero"`
	Tag      string    `bstore:"nonzero"`
	Error    string
}

// Changed by tests, bcrypt at default cost is slow.
var bcryptCost = bcrypt.DefaultCost

var errUserExists = errors.New("user already exists")

// adduser adds a user. The first user becomes admin, later users are read-only.
func adduser(ctx context.Context, db *bstore.DB, username string, password []byte) (Role, error) {
	if username == "" {
		return "", errors.New("username cannot be empty")
	}
	if len(password) == 0 {
		return "", errors.New("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(password, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %v", err)
	}

	var role Role
	err = db.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[DBUser](tx).FilterNonzero(DBUser{Username: username}).Exists()
		if err != nil {
			return fmt.Errorf("looking up user: %v", err)
		} else if exists {
			return errUserExists
		}
		n, err := bstore.QueryTx[DBUser](tx).Count()
		if err != nil {
			return fmt.Errorf("counting users: %v", err)
		}
		role = RoleUser
		if n == 0 {
			role = RoleAdmin
		}
		if err := tx.Insert(&DBUser{Username: username, Hash: hash, Role: role}); err != nil {
			return fmt.Errorf("inserting user into database: %v", err)
		}
		return nil
	})
	return role, err
}

// deluser removes a user, failing if it does not exist.
func deluser(ctx context.Context, db *bstore.DB, username string) error {
	err := db.Delete(ctx, &DBUser{Username: username})
	if err == bstore.ErrAbsent {
		return fmt.Errorf("no user %q", username)
	}
	return err
}

func setAuthenticate(h http.Header) {
	h.Set("WWW-Authenticate", `Basic realm="dokistry"`)
}

// xauth checks HTTP basic authentication of the request against the users in
// the database, panicking with a 401 http error if it fails.
func xauth(r *http.Request) DBUser {
	username, password, ok := r.BasicAuth()
	// Require non-empty username for database.Get to succeed.
	if !ok || username == "" {
		panic(httpErr{http.StatusUnauthorized})
	}
	u := DBUser{Username: username}
	err := database.Get(r.Context(), &u)
	if err == bstore.ErrAbsent {
		log.WithField("username", username).Debug("unknown user")
		panic(httpErr{http.StatusUnauthorized})
	}
	xcheckf(err, "looking up user")

	if err := bcrypt.CompareHashAndPassword(u.Hash, []byte(password)); err != nil {
		log.WithField("username", username).Debug("bad password")
		panic(httpErr{http.StatusUnauthorized})
	}
	return u
}

// xadmin panics with 403 unless the user is admin.
func xadmin(u DBUser) {
	if u.Role != RoleAdmin {
		panic(httpErr{http.StatusForbidden})
	}
}

// recordDeletions adds the outcome of deleting tags to the audit log.
func recordDeletions(ctx context.Context, username, repo string, result DeleteResult) error {
	return database.Write(ctx, func(tx *bstore.Tx) error {
		now := time.Now()
		for _, tag := range result.Success {
			if err := tx.Insert(&DBDeletion{Time: now, Username: username, Repo: repo, Tag: tag}); err != nil {
				return fmt.Errorf("inserting deletion: %v", err)
			}
		}
		for _, f := range result.Failed {
			if err := tx.Insert(&DBDeletion{Time: now, Username: username, Repo: repo, Tag: f.Tag, Error: f.Error}); err != nil {
				return fmt.Errorf("inserting failed deletion: %v", err)
			}
		}
		return nil
	})
}

// recentDeletions returns the latest n deletions, most recent first.
func recentDeletions(ctx context.Context, n int) ([]DBDeletion, error) {
	return bstore.QueryDB[DBDeletion](ctx, database).SortDesc("Time", "ID").Limit(n).List()
}
