package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gradewell/internal/common/cache"
	"gradewell/internal/common/db"
	"gradewell/internal/grading/model"
	appErr "gradewell/pkg/errors"
)

const (
	// Versions and their snapshots are immutable once written, so long
	// cache TTLs are safe.
	defaultVersionCacheTTL      = 6 * time.Hour
	defaultVersionCacheEmptyTTL = time.Minute
	versionCacheKeyPrefix       = "autograde:version:"
	snapshotCacheKeyPrefix      = "autograde:snapshots:"
)

var (
	ErrVersionNotFound = errors.New("autograde version not found")
)

// AutogradeVersionRepository reads configuration snapshots and creates new
// ones as assignment configuration changes.
type AutogradeVersionRepository interface {
	GetByID(ctx context.Context, versionID int64) (*model.AutogradeVersion, error)

	// GetSnapshots returns the version's test cases ordered by (position, id).
	GetSnapshots(ctx context.Context, versionID int64) ([]model.TestCaseSnapshot, error)

	// ActiveVersionID returns the assignment's current version id, or nil
	// if autograding was never configured.
	ActiveVersionID(ctx context.Context, assignmentID int64) (*int64, error)

	// Create writes a new immutable version with its snapshots and marks it
	// active. Fails with a conflict once the assignment's final grading has
	// been locked.
	Create(ctx context.Context, version *model.AutogradeVersion, snapshots []model.TestCaseSnapshot) (int64, error)

	// LockAssignment prevents further version creation. Called when the
	// assignment's final grading is irrevocably enqueued.
	LockAssignment(ctx context.Context, assignmentID int64) error
}

// MySQLVersionRepository implements AutogradeVersionRepository with MySQL
// plus a Redis read-through cache for the immutable rows.
type MySQLVersionRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewVersionRepository creates a version repository. cacheClient may be nil,
// in which case every read goes to the database.
func NewVersionRepository(database db.Database, cacheClient cache.Cache) *MySQLVersionRepository {
	return &MySQLVersionRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      defaultVersionCacheTTL,
		emptyTTL: defaultVersionCacheEmptyTTL,
	}
}

// GetByID retrieves a version snapshot by id.
func (r *MySQLVersionRepository) GetByID(ctx context.Context, versionID int64) (*model.AutogradeVersion, error) {
	if r.cache == nil {
		return r.getByIDFromDB(ctx, versionID)
	}
	version, err := cache.GetWithCached[*model.AutogradeVersion](
		ctx,
		r.cache,
		versionCacheKey(versionID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(v *model.AutogradeVersion) bool { return v == nil },
		marshalJSON[*model.AutogradeVersion],
		unmarshalJSON[*model.AutogradeVersion],
		func(ctx context.Context) (*model.AutogradeVersion, error) {
			v, err := r.getByIDFromDB(ctx, versionID)
			if err != nil {
				if errors.Is(err, ErrVersionNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return v, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, ErrVersionNotFound
	}
	return version, nil
}

func (r *MySQLVersionRepository) getByIDFromDB(ctx context.Context, versionID int64) (*model.AutogradeVersion, error) {
	row := r.db.QueryRow(ctx,
		"SELECT id, assignment_id, version, grading_settings, created_at FROM autograde_versions WHERE id = ? LIMIT 1",
		versionID,
	)
	version := &model.AutogradeVersion{}
	var rawSettings []byte
	if err := row.Scan(&version.ID, &version.AssignmentID, &version.Version, &rawSettings, &version.CreatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rawSettings, &version.Settings); err != nil {
		return nil, fmt.Errorf("decode grading settings failed: %w", err)
	}
	return version, nil
}

// GetSnapshots returns the version's test cases ordered by (position, id).
func (r *MySQLVersionRepository) GetSnapshots(ctx context.Context, versionID int64) ([]model.TestCaseSnapshot, error) {
	if r.cache == nil {
		return r.getSnapshotsFromDB(ctx, versionID)
	}
	snapshots, err := cache.GetWithCached[[]model.TestCaseSnapshot](
		ctx,
		r.cache,
		snapshotCacheKey(versionID),
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(s []model.TestCaseSnapshot) bool { return s == nil },
		marshalJSON[[]model.TestCaseSnapshot],
		unmarshalJSON[[]model.TestCaseSnapshot],
		func(ctx context.Context) ([]model.TestCaseSnapshot, error) {
			return r.getSnapshotsFromDB(ctx, versionID)
		},
	)
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (r *MySQLVersionRepository) getSnapshotsFromDB(ctx context.Context, versionID int64) ([]model.TestCaseSnapshot, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, autograde_version_id, test_case_id, name, position, points, is_hidden,
		        stdin, expected_stdout, expected_stderr, comparison_mode
		 FROM test_case_snapshots WHERE autograde_version_id = ? ORDER BY position, id`,
		versionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []model.TestCaseSnapshot
	for rows.Next() {
		var tc model.TestCaseSnapshot
		if err := rows.Scan(
			&tc.ID, &tc.VersionID, &tc.TestCaseID, &tc.Name, &tc.Position, &tc.Points,
			&tc.IsHidden, &tc.Stdin, &tc.ExpectedStdout, &tc.ExpectedStderr, &tc.CompareMode,
		); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, tc)
	}
	return snapshots, rows.Err()
}

// ActiveVersionID returns the assignment's current autograde version id.
func (r *MySQLVersionRepository) ActiveVersionID(ctx context.Context, assignmentID int64) (*int64, error) {
	row := r.db.QueryRow(ctx,
		"SELECT active_autograde_version_id FROM assignments WHERE id = ? LIMIT 1",
		assignmentID,
	)
	var versionID *int64
	if err := row.Scan(&versionID); err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return versionID, nil
}

// Create writes an immutable version plus snapshots transactionally and
// marks the version active on the assignment. It fails with a conflict if
// the assignment's final grading was locked.
func (r *MySQLVersionRepository) Create(ctx context.Context, version *model.AutogradeVersion, snapshots []model.TestCaseSnapshot) (int64, error) {
	if version == nil {
		return 0, appErr.New(appErr.InvalidParams).WithMessage("version is nil")
	}
	rawSettings, err := json.Marshal(version.Settings)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.InvalidParams).WithMessage("encode grading settings failed")
	}

	var versionID int64
	err = r.db.Transaction(ctx, func(tx db.Transaction) error {
		var locked bool
		row := tx.QueryRow(ctx, "SELECT autograde_locked FROM assignments WHERE id = ? FOR UPDATE", version.AssignmentID)
		if err := row.Scan(&locked); err != nil {
			if db.IsNoRows(err) {
				return appErr.NotFoundError("assignment")
			}
			return err
		}
		if locked {
			return appErr.New(appErr.GradingVersionLocked)
		}

		res, err := tx.Exec(ctx,
			`INSERT INTO autograde_versions (assignment_id, version, grading_settings)
			 VALUES (?, 1 + COALESCE((SELECT MAX(v.version) FROM (SELECT version FROM autograde_versions WHERE assignment_id = ?) v), 0), ?)`,
			version.AssignmentID, version.AssignmentID, rawSettings,
		)
		if err != nil {
			// Concurrent creates race on the (assignment_id, version) key.
			if _, ok := db.UniqueViolation(err); ok {
				return appErr.Wrap(err, appErr.Conflict).
					WithMessage("configuration changed concurrently, please retry")
			}
			return err
		}
		versionID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for _, tc := range snapshots {
			if _, err := tx.Exec(ctx,
				`INSERT INTO test_case_snapshots
				 (autograde_version_id, test_case_id, name, position, points, is_hidden, stdin, expected_stdout, expected_stderr, comparison_mode)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				versionID, tc.TestCaseID, tc.Name, tc.Position, tc.Points, tc.IsHidden,
				tc.Stdin, tc.ExpectedStdout, tc.ExpectedStderr, tc.CompareMode,
			); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			"UPDATE assignments SET active_autograde_version_id = ? WHERE id = ?",
			versionID, version.AssignmentID,
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return versionID, nil
}

// LockAssignment irrevocably locks the assignment's autograde configuration.
func (r *MySQLVersionRepository) LockAssignment(ctx context.Context, assignmentID int64) error {
	_, err := r.db.Exec(ctx, "UPDATE assignments SET autograde_locked = TRUE WHERE id = ?", assignmentID)
	return err
}

func versionCacheKey(versionID int64) string {
	return fmt.Sprintf("%s%d", versionCacheKeyPrefix, versionID)
}

func snapshotCacheKey(versionID int64) string {
	return fmt.Sprintf("%s%d", snapshotCacheKeyPrefix, versionID)
}

func marshalJSON[T any](value T) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalJSON[T any](data string) (T, error) {
	var value T
	if data == "" || data == cache.NullCacheValue {
		return value, nil
	}
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return value, err
	}
	return value, nil
}
