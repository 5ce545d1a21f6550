package database

import (
	"context"
	"fmt"
)

const (
	addAttendeeQuery = "INSERT INTO prayer_attendees (prayer_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING"
)

func (db *PgPrayerRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	res := db.conn.QueryRowContext(
		ctx,
		"INSERT INTO users (email, name, password) "+
			"VALUES ($1, $2, $3) RETURNING id, name, email, created_at",
		params.EmailAddress,
		params.Name,
		params.PasswordHash,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Name,
		&u.EmailAddress,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgPrayerRepository) GetUserById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, name, email, created_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Name,
		&user.EmailAddress,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgPrayerRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, name, email, password, created_at FROM users "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Name,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgPrayerRepository) ListPrayers(ctx context.Context) ([]Prayer, error) {
	rows, err := db.conn.QueryContext(
		ctx,
		`SELECT p.id, p.creator_id, p.musallah_location, p.prayer_time, p.created_at, COUNT(a.user_id)
		FROM prayers p
		LEFT JOIN prayer_attendees a ON a.prayer_id = p.id
		GROUP BY p.id
		ORDER BY p.prayer_time`,
	)
	if err != nil {
		return nil, fmt.Errorf("list prayers: %w", err)
	}
	defer rows.Close()

	prayers := make([]Prayer, 0)
	for rows.Next() {
		var p Prayer
		if err := rows.Scan(
			&p.Id,
			&p.CreatorId,
			&p.MusallahLocation,
			&p.PrayerTime,
			&p.CreatedAt,
			&p.AttendeeCount,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		prayers = append(prayers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return prayers, nil
}

func (db *PgPrayerRepository) GetPrayerById(ctx context.Context, prayerId int) (Prayer, error) {
	row := db.conn.QueryRowContext(
		ctx,
		`SELECT p.id, p.creator_id, p.musallah_location, p.prayer_time, p.created_at,
			(SELECT COUNT(*) FROM prayer_attendees a WHERE a.prayer_id = p.id)
		FROM prayers p WHERE p.id = $1 LIMIT 1`,
		prayerId,
	)

	var p Prayer
	err := row.Scan(
		&p.Id,
		&p.CreatorId,
		&p.MusallahLocation,
		&p.PrayerTime,
		&p.CreatedAt,
		&p.AttendeeCount,
	)

	return p, err
}

func (db *PgPrayerRepository) CreatePrayer(ctx context.Context, params CreatePrayerParams) (Prayer, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Prayer{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRowContext(
		ctx,
		"INSERT INTO prayers (creator_id, musallah_location, prayer_time) "+
			"VALUES ($1, $2, $3) RETURNING id, creator_id, musallah_location, prayer_time, created_at",
		params.CreatorId,
		params.MusallahLocation,
		params.PrayerTime,
	)

	var prayer Prayer
	err = res.Scan(
		&prayer.Id,
		&prayer.CreatorId,
		&prayer.MusallahLocation,
		&prayer.PrayerTime,
		&prayer.CreatedAt,
	)
	if err != nil {
		return Prayer{}, err
	}

	// the creator is the first attendee
	_, err = tx.ExecContext(ctx, addAttendeeQuery, prayer.Id, params.CreatorId)
	if err != nil {
		return Prayer{}, err
	}

	if err = tx.Commit(); err != nil {
		return Prayer{}, err
	}

	prayer.AttendeeCount = 1
	return prayer, nil
}

func (db *PgPrayerRepository) JoinPrayer(ctx context.Context, prayerId, userId int) error {
	_, err := db.conn.ExecContext(ctx, addAttendeeQuery, prayerId, userId)
	return err
}

func (db *PgPrayerRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRowContext(
		ctx,
		"INSERT INTO messages (prayer_id, user_id, content) "+
			"VALUES ($1, $2, $3) RETURNING id, prayer_id, user_id, content, created_at",
		params.PrayerId,
		params.UserId,
		params.Content,
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.PrayerId,
		&msg.UserId,
		&msg.Content,
		&msg.CreatedAt,
	)

	return msg, err
}

func (db *PgPrayerRepository) GetMessages(ctx context.Context, prayerId int) ([]Message, error) {
	rows, err := db.conn.QueryContext(
		ctx,
		"SELECT m.id, m.prayer_id, m.user_id, m.content, m.created_at, u.name FROM messages m "+
			"JOIN users u ON u.id = m.user_id WHERE m.prayer_id = $1 ORDER BY m.created_at, m.id",
		prayerId,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Id, &msg.PrayerId, &msg.UserId, &msg.Content, &msg.CreatedAt, &msg.UserName); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}
