package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
	"github.com/soaringjerry/Sensora/internal/services"
)

type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger
}

var (
	_ services.RandomizationStore = (*SQLiteStore)(nil)
	_ services.SubmissionStore    = (*SQLiteStore)(nil)
	_ services.FlowStore          = (*SQLiteStore)(nil)
	_ services.EventStore         = (*SQLiteStore)(nil)
	_ services.AuthStore          = (*SQLiteStore)(nil)
)

// Open opens the database file, creating its directory. Foreign keys and the
// busy timeout are set in the DSN so every pooled connection carries them.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB, log *logger.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return nil, fmt.Errorf("apply sqlite pragma: %w", err)
	}
	return &SQLiteStore{db: db, log: log.With("component", "sqlite")}, nil
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) logErr(prefix string, err error) {
	if err != nil {
		s.log.Warn("sqlite store error", "op", prefix, "error", err)
	}
}

// classify maps driver errors onto the service error taxonomy. Busy and
// locked databases are transient; constraint failures are caller errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := services.AsServiceError(err); ok {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return services.NewTransientError(op, err)
		case sqlite3.ErrConstraint:
			switch se.ExtendedCode {
			case sqlite3.ErrConstraintForeignKey:
				return services.NewInvalidError(op + ": referenced record does not exist")
			case sqlite3.ErrConstraintCheck:
				return services.NewInvalidError(op + ": value out of range")
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+" begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			s.logErr(op+" commit", cerr)
			err = classify(op+" commit", cerr)
		}
	}()
	return fn(tx)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx so reads can join a write
// transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// requirePreparation fails with ErrEventNotEditable unless the event owning
// the product type is still in preparation. It runs inside the caller's
// write transaction, which holds SQLite's write lock (_txlock=immediate), so
// the status cannot change before commit.
func requirePreparation(ctx context.Context, q queryer, productTypeID string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT e.status FROM events e
		JOIN product_types p ON p.event_id = e.id WHERE p.id = ?`, productTypeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return services.NewNotFoundError("product type not found")
	}
	if err != nil {
		return classify("requirePreparation", err)
	}
	if models.EventStatus(status) != models.EventPreparation {
		return services.NewEventNotEditableError()
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) AddUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, email, pass_hash, role, evaluator_position, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`, u.ID, u.Email, u.PassHash, string(u.Role), u.EvaluatorPosition, formatTime(u.CreatedAt))
	if isUniqueViolation(err) {
		return services.NewConflictError("email exists")
	}
	return classify("AddUser", err)
}

const userColumns = `id, email, pass_hash, role, evaluator_position, created_at`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var role, created string
	if err := row.Scan(&u.ID, &u.Email, &u.PassHash, &role, &u.EvaluatorPosition, &created); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *SQLiteStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, classify("FindUserByEmail", err)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, classify("GetUser", err)
}

// --- Events ---

func (s *SQLiteStore) CreateEvent(ctx context.Context, ev *models.Event) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO events(id, name, event_date, status, created_at) VALUES(?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, toNullString(ev.Date), string(ev.Status), formatTime(ev.CreatedAt))
	return classify("CreateEvent", err)
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var date sql.NullString
	var status, created string
	if err := row.Scan(&ev.ID, &ev.Name, &date, &status, &created); err != nil {
		return nil, err
	}
	ev.Date = date.String
	ev.Status = models.EventStatus(status)
	ev.CreatedAt = parseTime(created)
	return &ev, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT id, name, event_date, status, created_at FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, classify("GetEvent", err)
}

func (s *SQLiteStore) ListEvents(ctx context.Context) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, event_date, status, created_at FROM events ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, classify("ListEvents", err)
	}
	defer rows.Close()
	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify("ListEvents scan", err)
		}
		out = append(out, ev)
	}
	return out, classify("ListEvents rows", rows.Err())
}

func (s *SQLiteStore) UpdateEventStatus(ctx context.Context, id string, from, to models.EventStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return false, classify("UpdateEventStatus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("UpdateEventStatus rows", err)
	}
	return n == 1, nil
}

// ActivateEvent moves the event from `from` to active in one transaction.
// verify sees every product type with its stored table and samples as read
// under the write lock; its error aborts the transition. It returns false
// when the event is no longer in `from`.
func (s *SQLiteStore) ActivateEvent(ctx context.Context, id string, from models.EventStatus, verify func([]services.ActivationItem) error) (bool, error) {
	var changed bool
	err := s.withTx(ctx, "ActivateEvent", func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM events WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify("ActivateEvent status", err)
		}
		if models.EventStatus(status) != from {
			return nil
		}
		pts, err := listProductTypes(ctx, tx, id)
		if err != nil {
			return err
		}
		items := make([]services.ActivationItem, 0, len(pts))
		for _, pt := range pts {
			table, err := getRandomization(ctx, tx, pt.ID)
			if err != nil {
				return err
			}
			samples, err := listSamples(ctx, tx, pt.ID)
			if err != nil {
				return err
			}
			items = append(items, services.ActivationItem{ProductType: pt, Table: table, Samples: samples})
		}
		if err := verify(items); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ? WHERE id = ? AND status = ?`,
			string(models.EventActive), id, string(from)); err != nil {
			return classify("ActivateEvent update", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// --- Product types ---

func (s *SQLiteStore) CreateProductType(ctx context.Context, pt *models.ProductType) error {
	return s.withTx(ctx, "CreateProductType", func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM events WHERE id = ?`, pt.EventID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return services.NewNotFoundError("event not found")
		}
		if err != nil {
			return classify("CreateProductType status", err)
		}
		if models.EventStatus(status) != models.EventPreparation {
			return services.NewEventNotEditableError()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO product_types(id, event_id, name, display_order) VALUES(?, ?, ?, ?)`,
			pt.ID, pt.EventID, pt.Name, pt.DisplayOrder); err != nil {
			return classify("CreateProductType", err)
		}
		for _, a := range pt.JARAttributes {
			_, err := tx.ExecContext(ctx, `INSERT INTO jar_attributes(id, product_type_id, name, position) VALUES(?, ?, ?, ?)`,
				a.ID, pt.ID, a.Name, a.Position)
			if isUniqueViolation(err) {
				return services.NewInvalidError("duplicate JAR attribute " + a.Name)
			}
			if err != nil {
				return classify("CreateProductType jar", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetProductType(ctx context.Context, id string) (*models.ProductType, error) {
	var pt models.ProductType
	err := s.db.QueryRowContext(ctx, `SELECT id, event_id, name, display_order FROM product_types WHERE id = ?`, id).
		Scan(&pt.ID, &pt.EventID, &pt.Name, &pt.DisplayOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("GetProductType", err)
	}
	attrs, err := listJAR(ctx, s.db, `WHERE product_type_id = ?`, id)
	if err != nil {
		return nil, err
	}
	pt.JARAttributes = attrs[pt.ID]
	return &pt, nil
}

func (s *SQLiteStore) ListProductTypes(ctx context.Context, eventID string) ([]*models.ProductType, error) {
	return listProductTypes(ctx, s.db, eventID)
}

func listProductTypes(ctx context.Context, q queryer, eventID string) ([]*models.ProductType, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, event_id, name, display_order FROM product_types
		WHERE event_id = ? ORDER BY display_order ASC, id ASC`, eventID)
	if err != nil {
		return nil, classify("ListProductTypes", err)
	}
	var out []*models.ProductType
	for rows.Next() {
		var pt models.ProductType
		if err := rows.Scan(&pt.ID, &pt.EventID, &pt.Name, &pt.DisplayOrder); err != nil {
			rows.Close()
			return nil, classify("ListProductTypes scan", err)
		}
		out = append(out, &pt)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify("ListProductTypes rows", err)
	}
	rows.Close()
	attrs, err := listJAR(ctx, q, `WHERE product_type_id IN (SELECT id FROM product_types WHERE event_id = ?)`, eventID)
	if err != nil {
		return nil, err
	}
	for _, pt := range out {
		pt.JARAttributes = attrs[pt.ID]
	}
	return out, nil
}

func listJAR(ctx context.Context, q queryer, where string, arg any) (map[string][]models.JARAttribute, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, product_type_id, name, position FROM jar_attributes `+where+
		` ORDER BY position ASC, id ASC`, arg)
	if err != nil {
		return nil, classify("listJAR", err)
	}
	defer rows.Close()
	out := map[string][]models.JARAttribute{}
	for rows.Next() {
		var a models.JARAttribute
		if err := rows.Scan(&a.ID, &a.ProductTypeID, &a.Name, &a.Position); err != nil {
			return nil, classify("listJAR scan", err)
		}
		out[a.ProductTypeID] = append(out[a.ProductTypeID], a)
	}
	return out, classify("listJAR rows", rows.Err())
}

// --- Samples ---

const sampleColumns = `id, product_type_id, brand, retailer_code, blind_code, hidden_from_reports, position`

func scanSample(row rowScanner) (*models.Sample, error) {
	var sm models.Sample
	var code sql.NullString
	var hidden int64
	if err := row.Scan(&sm.ID, &sm.ProductTypeID, &sm.Brand, &sm.RetailerCode, &code, &hidden, &sm.Position); err != nil {
		return nil, err
	}
	sm.BlindCode = code.String
	sm.HiddenFromReports = hidden != 0
	return &sm, nil
}

// AddSample inserts the sample only while its event is in preparation.
func (s *SQLiteStore) AddSample(ctx context.Context, sm *models.Sample) error {
	return s.withTx(ctx, "AddSample", func(tx *sql.Tx) error {
		if err := requirePreparation(ctx, tx, sm.ProductTypeID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO samples(`+sampleColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			sm.ID, sm.ProductTypeID, sm.Brand, sm.RetailerCode, toNullString(sm.BlindCode), boolToInt64(sm.HiddenFromReports), sm.Position)
		return classify("AddSample", err)
	})
}

func (s *SQLiteStore) GetSample(ctx context.Context, id string) (*models.Sample, error) {
	sm, err := scanSample(s.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sm, classify("GetSample", err)
}

func (s *SQLiteStore) ListSamples(ctx context.Context, productTypeID string) ([]*models.Sample, error) {
	return listSamples(ctx, s.db, productTypeID)
}

func listSamples(ctx context.Context, q queryer, productTypeID string) ([]*models.Sample, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE product_type_id = ?
		ORDER BY position ASC, id ASC`, productTypeID)
	if err != nil {
		return nil, classify("ListSamples", err)
	}
	defer rows.Close()
	var out []*models.Sample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, classify("ListSamples scan", err)
		}
		out = append(out, sm)
	}
	return out, classify("ListSamples rows", rows.Err())
}

func (s *SQLiteStore) SetSampleHidden(ctx context.Context, id string, hidden bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE samples SET hidden_from_reports = ? WHERE id = ?`, boolToInt64(hidden), id)
	return classify("SetSampleHidden", err)
}

// DeleteSample removes the sample only while its event is in preparation.
// Deleting an unknown id is a no-op.
func (s *SQLiteStore) DeleteSample(ctx context.Context, id string) error {
	return s.withTx(ctx, "DeleteSample", func(tx *sql.Tx) error {
		var ptID string
		err := tx.QueryRowContext(ctx, `SELECT product_type_id FROM samples WHERE id = ?`, id).Scan(&ptID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify("DeleteSample lookup", err)
		}
		if err := requirePreparation(ctx, tx, ptID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM samples WHERE id = ?`, id)
		return classify("DeleteSample", err)
	})
}

func (s *SQLiteStore) CountSamplesByEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples s
		JOIN product_types p ON p.id = s.product_type_id WHERE p.event_id = ?`, eventID).Scan(&n)
	return n, classify("CountSamplesByEvent", err)
}

// --- Randomization ---

func (s *SQLiteStore) GetRandomization(ctx context.Context, productTypeID string) (*models.RandomizationTable, error) {
	return getRandomization(ctx, s.db, productTypeID)
}

func getRandomization(ctx context.Context, q queryer, productTypeID string) (*models.RandomizationTable, error) {
	var design, ids, created string
	err := q.QueryRowContext(ctx, `SELECT design, sample_ids, created_at FROM randomizations WHERE product_type_id = ?`,
		productTypeID).Scan(&design, &ids, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("GetRandomization", err)
	}
	table := &models.RandomizationTable{
		ProductTypeID: productTypeID,
		Design:        design,
		Evaluators:    map[int][]models.Assignment{},
		CreatedAt:     parseTime(created),
	}
	if err := json.Unmarshal([]byte(ids), &table.SampleIDs); err != nil {
		return nil, fmt.Errorf("decode randomization %s sample ids: %w", productTypeID, err)
	}
	rows, err := q.QueryContext(ctx, `SELECT evaluator_position, sample_id, blind_code, presentation_order
		FROM randomization_entries WHERE product_type_id = ?
		ORDER BY evaluator_position ASC, presentation_order ASC`, productTypeID)
	if err != nil {
		return nil, classify("GetRandomization entries", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pos int
		var a models.Assignment
		if err := rows.Scan(&pos, &a.SampleID, &a.BlindCode, &a.PresentationOrder); err != nil {
			return nil, classify("GetRandomization scan", err)
		}
		table.Evaluators[pos] = append(table.Evaluators[pos], a)
	}
	return table, classify("GetRandomization rows", rows.Err())
}

func (s *SQLiteStore) HasRandomization(ctx context.Context, productTypeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM randomizations WHERE product_type_id = ?`, productTypeID).Scan(&n)
	return n > 0, classify("HasRandomization", err)
}

// CreateRandomization writes the header, every entry and the samples' blind
// codes in one transaction. With replace the previous table is removed first.
// The event must still be in preparation when the transaction runs.
func (s *SQLiteStore) CreateRandomization(ctx context.Context, table *models.RandomizationTable, replace bool) error {
	ids, err := json.Marshal(table.SampleIDs)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "CreateRandomization", func(tx *sql.Tx) error {
		if err := requirePreparation(ctx, tx, table.ProductTypeID); err != nil {
			return err
		}
		if replace {
			if _, err := tx.ExecContext(ctx, `DELETE FROM randomization_entries WHERE product_type_id = ?`, table.ProductTypeID); err != nil {
				return classify("CreateRandomization delete entries", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM randomizations WHERE product_type_id = ?`, table.ProductTypeID); err != nil {
				return classify("CreateRandomization delete header", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE samples SET blind_code = NULL WHERE product_type_id = ?`, table.ProductTypeID); err != nil {
				return classify("CreateRandomization clear codes", err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO randomizations(product_type_id, design, sample_ids, created_at) VALUES(?, ?, ?, ?)`,
			table.ProductTypeID, table.Design, string(ids), formatTime(table.CreatedAt))
		if isUniqueViolation(err) {
			return services.NewAlreadyExistsError(table.ProductTypeID)
		}
		if err != nil {
			return classify("CreateRandomization header", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO randomization_entries(product_type_id, evaluator_position, sample_id, blind_code, presentation_order)
			VALUES(?, ?, ?, ?, ?)`)
		if err != nil {
			return classify("CreateRandomization prepare", err)
		}
		defer stmt.Close()
		codes := map[string]string{}
		for _, pos := range table.Positions() {
			for _, a := range table.Evaluators[pos] {
				if _, err := stmt.ExecContext(ctx, table.ProductTypeID, pos, a.SampleID, a.BlindCode, a.PresentationOrder); err != nil {
					return classify("CreateRandomization entry", err)
				}
				codes[a.SampleID] = a.BlindCode
			}
		}
		for sampleID, code := range codes {
			if _, err := tx.ExecContext(ctx, `UPDATE samples SET blind_code = ? WHERE id = ? AND product_type_id = ?`,
				code, sampleID, table.ProductTypeID); err != nil {
				return classify("CreateRandomization blind code", err)
			}
		}
		return nil
	})
}

// --- Evaluations ---

const evaluationColumns = `id, user_id, sample_id, product_type_id, event_id, appearance, odor, texture, flavor, overall, jar, created_at, updated_at`

func scanEvaluation(row rowScanner) (*models.Evaluation, error) {
	var ev models.Evaluation
	var jar, created, updated string
	h := &ev.Hedonic
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.SampleID, &ev.ProductTypeID, &ev.EventID,
		&h.Appearance, &h.Odor, &h.Texture, &h.Flavor, &h.Overall, &jar, &created, &updated); err != nil {
		return nil, err
	}
	ev.JAR = map[string]int{}
	if strings.TrimSpace(jar) != "" {
		if err := json.Unmarshal([]byte(jar), &ev.JAR); err != nil {
			return nil, fmt.Errorf("decode jar of evaluation %s: %w", ev.ID, err)
		}
	}
	ev.CreatedAt = parseTime(created)
	ev.UpdatedAt = parseTime(updated)
	return &ev, nil
}

func encodeJAR(jar map[string]int) (string, error) {
	if jar == nil {
		jar = map[string]int{}
	}
	b, err := json.Marshal(jar)
	return string(b), err
}

// InsertEvaluation relies on UNIQUE(user_id, sample_id): of two concurrent
// inserts for the same pair exactly one commits.
func (s *SQLiteStore) InsertEvaluation(ctx context.Context, ev *models.Evaluation) error {
	jar, err := encodeJAR(ev.JAR)
	if err != nil {
		return err
	}
	h := ev.Hedonic
	_, err = s.db.ExecContext(ctx, `INSERT INTO evaluations(`+evaluationColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.SampleID, ev.ProductTypeID, ev.EventID,
		h.Appearance, h.Odor, h.Texture, h.Flavor, h.Overall, jar, formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt))
	if isUniqueViolation(err) {
		return services.NewDuplicateEvaluationError(ev.UserID, ev.SampleID)
	}
	return classify("InsertEvaluation", err)
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error) {
	ev, err := scanEvaluation(s.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, classify("GetEvaluation", err)
}

func (s *SQLiteStore) listEvaluations(ctx context.Context, op, where string, args ...any) ([]*models.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	var out []*models.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, classify(op+" scan", err)
		}
		out = append(out, ev)
	}
	return out, classify(op+" rows", rows.Err())
}

func (s *SQLiteStore) ListEvaluationsByUser(ctx context.Context, eventID, userID string) ([]*models.Evaluation, error) {
	return s.listEvaluations(ctx, "ListEvaluationsByUser", `WHERE event_id = ? AND user_id = ?`, eventID, userID)
}

func (s *SQLiteStore) ListEvaluationsByEvent(ctx context.Context, eventID string) ([]*models.Evaluation, error) {
	return s.listEvaluations(ctx, "ListEvaluationsByEvent", `WHERE event_id = ?`, eventID)
}

func (s *SQLiteStore) ReviseEvaluation(ctx context.Context, ev *models.Evaluation, rev *models.EvaluationRevision) error {
	jar, err := encodeJAR(ev.JAR)
	if err != nil {
		return err
	}
	prevH, err := json.Marshal(rev.PreviousHedonic)
	if err != nil {
		return err
	}
	prevJAR, err := encodeJAR(rev.PreviousJAR)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "ReviseEvaluation", func(tx *sql.Tx) error {
		h := ev.Hedonic
		res, err := tx.ExecContext(ctx, `UPDATE evaluations SET appearance = ?, odor = ?, texture = ?, flavor = ?, overall = ?,
			jar = ?, updated_at = ? WHERE id = ?`,
			h.Appearance, h.Odor, h.Texture, h.Flavor, h.Overall, jar, formatTime(ev.UpdatedAt), ev.ID)
		if err != nil {
			return classify("ReviseEvaluation update", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return services.NewNotFoundError("evaluation not found")
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO evaluation_revisions(id, evaluation_id, actor, reason, previous_hedonic, previous_jar, revised_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`, rev.ID, rev.EvaluationID, rev.Actor, rev.Reason, string(prevH), prevJAR, formatTime(rev.RevisedAt))
		return classify("ReviseEvaluation revision", err)
	})
}

func (s *SQLiteStore) ListRevisions(ctx context.Context, evaluationID string) ([]*models.EvaluationRevision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, evaluation_id, actor, reason, previous_hedonic, previous_jar, revised_at
		FROM evaluation_revisions WHERE evaluation_id = ? ORDER BY revised_at ASC, id ASC`, evaluationID)
	if err != nil {
		return nil, classify("ListRevisions", err)
	}
	defer rows.Close()
	var out []*models.EvaluationRevision
	for rows.Next() {
		var r models.EvaluationRevision
		var prevH, prevJAR, revised string
		if err := rows.Scan(&r.ID, &r.EvaluationID, &r.Actor, &r.Reason, &prevH, &prevJAR, &revised); err != nil {
			return nil, classify("ListRevisions scan", err)
		}
		if err := json.Unmarshal([]byte(prevH), &r.PreviousHedonic); err != nil {
			return nil, fmt.Errorf("decode revision %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(prevJAR), &r.PreviousJAR); err != nil {
			return nil, fmt.Errorf("decode revision %s: %w", r.ID, err)
		}
		r.RevisedAt = parseTime(revised)
		out = append(out, &r)
	}
	return out, classify("ListRevisions rows", rows.Err())
}

// --- Reveal acknowledgements ---

func (s *SQLiteStore) AddRevealAck(ctx context.Context, ack *models.RevealAck) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reveal_acks(user_id, product_type_id, acknowledged_at) VALUES(?, ?, ?)
		ON CONFLICT(user_id, product_type_id) DO NOTHING`, ack.UserID, ack.ProductTypeID, formatTime(ack.AcknowledgedAt))
	return classify("AddRevealAck", err)
}

func (s *SQLiteStore) ListRevealAcks(ctx context.Context, userID, eventID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.product_type_id, r.acknowledged_at FROM reveal_acks r
		JOIN product_types p ON p.id = r.product_type_id WHERE r.user_id = ? AND p.event_id = ?`, userID, eventID)
	if err != nil {
		return nil, classify("ListRevealAcks", err)
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var ptID, at string
		if err := rows.Scan(&ptID, &at); err != nil {
			return nil, classify("ListRevealAcks scan", err)
		}
		out[ptID] = parseTime(at)
	}
	return out, classify("ListRevealAcks rows", rows.Err())
}

// --- Audit log ---

func (s *SQLiteStore) AddAudit(ctx context.Context, e models.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log(ts, actor, action, target, note) VALUES(?, ?, ?, ?, ?)`,
		formatTime(e.Time), e.Actor, e.Action, toNullString(e.Target), toNullString(e.Note))
	s.logErr("AddAudit", err)
	return classify("AddAudit", err)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ts, actor, action, target, note FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify("ListAudit", err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var ts string
		var target, note sql.NullString
		var e models.AuditEntry
		if err := rows.Scan(&ts, &e.Actor, &e.Action, &target, &note); err != nil {
			return nil, classify("ListAudit scan", err)
		}
		e.Time = parseTime(ts)
		e.Target = target.String
		e.Note = note.String
		out = append(out, e)
	}
	return out, classify("ListAudit rows", rows.Err())
}
