package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
	"gorm.io/gorm"
)

type Repositories struct {
	Escrows     *EscrowRepository
	Idempotency *IdempotencyRepository
	Outbox      *OutboxRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Escrows:     &EscrowRepository{db: db},
		Idempotency: &IdempotencyRepository{db: db},
		Outbox:      &OutboxRepository{db: db},
	}
}

// EscrowRepository persists the escrow aggregate across its child tables.
// Update rewrites the children inside one transaction rather than diffing;
// the in-memory aggregate is authoritative and writes are serialized by
// the mutation lock, so a rewrite is always safe.
type EscrowRepository struct {
	db *gorm.DB
}

func (r *EscrowRepository) Create(ctx context.Context, escrow domain.Escrow) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toEscrowModel(escrow)
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		return writeChildren(tx, escrow)
	})
}

func (r *EscrowRepository) GetByID(ctx context.Context, escrowID uuid.UUID) (domain.Escrow, error) {
	var row escrowModel
	if err := r.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Escrow{}, domain.ErrNotFound
		}
		return domain.Escrow{}, err
	}
	return r.loadAggregate(ctx, row)
}

func (r *EscrowRepository) Update(ctx context.Context, escrow domain.Escrow) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toEscrowModel(escrow)
		result := tx.Model(&escrowModel{}).Where("escrow_id = ?", escrow.EscrowID).Updates(map[string]any{
			"settlement_ref":    row.SettlementRef,
			"status":            row.Status,
			"payer_approved_at": row.PayerApprovedAt,
			"updated_at":        row.UpdatedAt,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		if err := deleteChildren(tx, escrow.EscrowID); err != nil {
			return err
		}
		return writeChildren(tx, escrow)
	})
}

func (r *EscrowRepository) List(ctx context.Context, query ports.ListQuery) ([]domain.Escrow, int, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	base := r.db.WithContext(ctx).Model(&escrowModel{})
	if query.Principal != "" {
		base = base.Where(
			"payer_principal = ? OR escrow_id IN (?)",
			query.Principal,
			r.db.Model(&escrowRecipientModel{}).Select("escrow_id").Where("principal = ?", query.Principal),
		)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []escrowModel
	if err := base.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	out := make([]domain.Escrow, 0, len(rows))
	for _, row := range rows {
		escrow, err := r.loadAggregate(ctx, row)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, escrow)
	}
	return out, int(total), nil
}

func (r *EscrowRepository) loadAggregate(ctx context.Context, row escrowModel) (domain.Escrow, error) {
	db := r.db.WithContext(ctx)

	var recipients []escrowRecipientModel
	if err := db.Where("escrow_id = ?", row.EscrowID).Find(&recipients).Error; err != nil {
		return domain.Escrow{}, err
	}
	var milestones []milestoneModel
	if err := db.Where("escrow_id = ?", row.EscrowID).Find(&milestones).Error; err != nil {
		return domain.Escrow{}, err
	}

	milestoneIDs := make([]uuid.UUID, 0, len(milestones))
	for _, m := range milestones {
		milestoneIDs = append(milestoneIDs, m.MilestoneID)
	}

	var milestoneRecipients []milestoneRecipientModel
	var proofs []proofModel
	var releases []releasePaymentModel
	var recipientPayments []recipientPaymentModel
	if len(milestoneIDs) > 0 {
		if err := db.Where("milestone_id IN ?", milestoneIDs).Find(&milestoneRecipients).Error; err != nil {
			return domain.Escrow{}, err
		}
		if err := db.Where("milestone_id IN ?", milestoneIDs).Find(&proofs).Error; err != nil {
			return domain.Escrow{}, err
		}
		if err := db.Where("milestone_id IN ?", milestoneIDs).Find(&releases).Error; err != nil {
			return domain.Escrow{}, err
		}
		releaseIDs := make([]uuid.UUID, 0, len(releases))
		for _, rp := range releases {
			releaseIDs = append(releaseIDs, rp.ReleaseID)
		}
		if len(releaseIDs) > 0 {
			if err := db.Where("release_id IN ?", releaseIDs).Find(&recipientPayments).Error; err != nil {
				return domain.Escrow{}, err
			}
		}
	}

	return assembleEscrow(row, recipients, milestones, milestoneRecipients, proofs, releases, recipientPayments)
}

func writeChildren(tx *gorm.DB, escrow domain.Escrow) error {
	if rows := toRecipientModels(escrow); len(rows) > 0 {
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
	}
	rows, err := toMilestoneRows(escrow)
	if err != nil {
		return err
	}
	if len(rows.milestones) > 0 {
		if err := tx.Create(&rows.milestones).Error; err != nil {
			return err
		}
	}
	if len(rows.recipients) > 0 {
		if err := tx.Create(&rows.recipients).Error; err != nil {
			return err
		}
	}
	if len(rows.proofs) > 0 {
		if err := tx.Create(&rows.proofs).Error; err != nil {
			return err
		}
	}
	if len(rows.releases) > 0 {
		if err := tx.Create(&rows.releases).Error; err != nil {
			return err
		}
	}
	if len(rows.recipientPayments) > 0 {
		if err := tx.Create(&rows.recipientPayments).Error; err != nil {
			return err
		}
	}
	return nil
}

func deleteChildren(tx *gorm.DB, escrowID uuid.UUID) error {
	milestoneIDs := tx.Model(&milestoneModel{}).Select("milestone_id").Where("escrow_id = ?", escrowID)
	releaseIDs := tx.Model(&releasePaymentModel{}).Select("release_id").Where("milestone_id IN (?)", milestoneIDs)

	if err := tx.Where("release_id IN (?)", releaseIDs).Delete(&recipientPaymentModel{}).Error; err != nil {
		return err
	}
	if err := tx.Where("milestone_id IN (?)", milestoneIDs).Delete(&releasePaymentModel{}).Error; err != nil {
		return err
	}
	if err := tx.Where("milestone_id IN (?)", milestoneIDs).Delete(&proofModel{}).Error; err != nil {
		return err
	}
	if err := tx.Where("milestone_id IN (?)", milestoneIDs).Delete(&milestoneRecipientModel{}).Error; err != nil {
		return err
	}
	if err := tx.Where("escrow_id = ?", escrowID).Delete(&milestoneModel{}).Error; err != nil {
		return err
	}
	return tx.Where("escrow_id = ?", escrowID).Delete(&escrowRecipientModel{}).Error
}

type IdempotencyRepository struct {
	db *gorm.DB
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	var rec escrowIdempotencyModel
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if now.After(rec.ExpiresAt) {
		return nil, nil
	}
	out := ports.IdempotencyRecord{
		Key:          rec.IdempotencyKey,
		RequestHash:  rec.RequestHash,
		ResponseCode: rec.ResponseCode,
		ExpiresAt:    rec.ExpiresAt,
	}
	if rec.ResponseBody != nil {
		out.ResponseBody = []byte(*rec.ResponseBody)
	}
	return &out, nil
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error {
	rec := escrowIdempotencyModel{
		IdempotencyKey: key,
		RequestHash:    requestHash,
		ExpiresAt:      expiresAt,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error {
	var body *string
	if len(responseBody) > 0 {
		raw := string(responseBody)
		body = &raw
	}
	return r.db.WithContext(ctx).
		Model(&escrowIdempotencyModel{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"response_code": responseCode,
			"response_body": body,
			"updated_at":    at,
		}).Error
}

type OutboxRepository struct {
	db *gorm.DB
}

func (r *OutboxRepository) Enqueue(ctx context.Context, record ports.OutboxRecord) error {
	envelope, err := json.Marshal(record.Envelope)
	if err != nil {
		return err
	}
	rec := escrowOutboxModel{
		RecordID:   record.RecordID,
		EventClass: record.EventClass,
		Envelope:   string(envelope),
		CreatedAt:  record.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]ports.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []escrowOutboxModel
	if err := r.db.WithContext(ctx).
		Where("sent_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ports.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		var envelope contracts.EventEnvelope
		if err := json.Unmarshal([]byte(row.Envelope), &envelope); err != nil {
			return nil, err
		}
		out = append(out, ports.OutboxRecord{
			RecordID:   row.RecordID,
			EventClass: row.EventClass,
			Envelope:   envelope,
			CreatedAt:  row.CreatedAt,
			SentAt:     row.SentAt,
		})
	}
	return out, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, recordID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&escrowOutboxModel{}).
		Where("record_id = ?", recordID).
		Update("sent_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
