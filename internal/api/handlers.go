package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/prayer-meetups/internal/database"
	"github.com/npezzotti/prayer-meetups/internal/server"
	"github.com/npezzotti/prayer-meetups/internal/types"
	"github.com/teris-io/shortid"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type CreatePrayerRequest struct {
	MusallahLocation string    `json:"musallahLocation"`
	PrayerTime       time.Time `json:"prayerTime"`
}

type StatusResponse struct {
	Message string `json:"message"`
}

func (s *MeetupApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *MeetupApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// dbError maps a repository error to the response sent to the caller.
func dbError(err error) *ApiError {
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError()
	}

	return NewInternalServerError(err)
}

func (s *MeetupApp) dbContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), defaultDBTimeout)
}

func pathId(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Name:         u.Name,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
	}
}

func toPrayer(p database.Prayer) types.Prayer {
	return types.Prayer{
		Id:               p.Id,
		CreatorId:        p.CreatorId,
		MusallahLocation: p.MusallahLocation,
		PrayerTime:       p.PrayerTime,
		CreatedAt:        p.CreatedAt,
		AttendeeCount:    p.AttendeeCount,
	}
}

func (s *MeetupApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *MeetupApp) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	ctx, cancel := s.dbContext(r)
	defer cancel()

	newUser, err := s.db.CreateUser(ctx, database.CreateUserParams{
		Name:         req.Name,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			s.writeError(w, NewConflictError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	token, err := s.createJwtForSession(newUser.Id, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *MeetupApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	ctx, cancel := s.dbContext(r)
	defer cancel()

	dbUser, err := s.db.GetUserByEmail(ctx, lr.Email)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	token, err := s.createJwtForSession(dbUser.Id, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusOK, toUser(dbUser))
}

func (s *MeetupApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one so the browser drops it
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *MeetupApp) currentUser(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	ctx, cancel := s.dbContext(r)
	defer cancel()

	user, err := s.db.GetUserById(ctx, userId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *MeetupApp) listPrayers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.dbContext(r)
	defer cancel()

	dbPrayers, err := s.db.ListPrayers(ctx)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	prayers := make([]types.Prayer, 0, len(dbPrayers))
	for _, p := range dbPrayers {
		prayers = append(prayers, toPrayer(p))
	}

	s.writeJson(w, http.StatusOK, prayers)
}

// createPrayer stores a new meetup with the session user as its first
// attendee and announces it on every open connection.
func (s *MeetupApp) createPrayer(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreatePrayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.MusallahLocation = strings.TrimSpace(req.MusallahLocation)
	if req.MusallahLocation == "" || req.PrayerTime.IsZero() {
		s.writeError(w, NewBadRequestError())
		return
	}

	ctx, cancel := s.dbContext(r)
	defer cancel()

	dbPrayer, err := s.db.CreatePrayer(ctx, database.CreatePrayerParams{
		CreatorId:        userId,
		MusallahLocation: req.MusallahLocation,
		PrayerTime:       req.PrayerTime,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	prayer := toPrayer(dbPrayer)
	s.cs.BroadcastAll(server.PrayerCreated(prayer))

	s.writeJson(w, http.StatusCreated, prayer)
}

func (s *MeetupApp) joinPrayer(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	prayerId, ok := pathId(r)
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	ctx, cancel := s.dbContext(r)
	defer cancel()

	if err := s.db.JoinPrayer(ctx, prayerId, userId); err != nil {
		if database.IsForeignKeyViolation(err) {
			s.writeError(w, NewNotFoundError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.cs.BroadcastAll(server.PrayerJoined(prayerId, userId))

	s.writeJson(w, http.StatusOK, StatusResponse{Message: "joined successfully"})
}

func (s *MeetupApp) getMessages(w http.ResponseWriter, r *http.Request) {
	prayerId, ok := pathId(r)
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	ctx, cancel := s.dbContext(r)
	defer cancel()

	if _, err := s.db.GetPrayerById(ctx, prayerId); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	dbMessages, err := s.db.GetMessages(ctx, prayerId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	messages := make([]types.ChatMessage, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, types.ChatMessage{
			Id:        msg.Id,
			PrayerId:  msg.PrayerId,
			UserId:    msg.UserId,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			User: types.ChatUser{
				Id:   msg.UserId,
				Name: msg.UserName,
			},
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *MeetupApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *MeetupApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(id, userId, conn, s.cs, s.log)
	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
