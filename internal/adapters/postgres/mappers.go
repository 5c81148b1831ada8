package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"gorm.io/gorm"
)

func toEscrowModel(e domain.Escrow) escrowModel {
	return escrowModel{
		EscrowID:        e.EscrowID,
		SettlementRef:   e.SettlementRef,
		PayerPrincipal:  e.PayerPrincipal,
		Title:           e.Title,
		Kind:            string(e.Kind),
		Status:          string(e.Status),
		Currency:        e.Currency,
		Allocation:      e.Allocation,
		PayerApprovedAt: e.ClientApprovedSignedContractAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func toRecipientModels(e domain.Escrow) []escrowRecipientModel {
	rows := make([]escrowRecipientModel, 0, len(e.Recipients))
	for i, r := range e.Recipients {
		rows = append(rows, escrowRecipientModel{
			RecipientID:      r.RecipientID,
			EscrowID:         e.EscrowID,
			Principal:        r.Principal,
			DisplayName:      r.DisplayName,
			SignedContractAt: r.SignedContractAt,
			PaidAt:           r.PaidAt,
			Position:         i,
		})
	}
	return rows
}

type milestoneRows struct {
	milestones        []milestoneModel
	recipients        []milestoneRecipientModel
	proofs            []proofModel
	releases          []releasePaymentModel
	recipientPayments []recipientPaymentModel
}

func toMilestoneRows(e domain.Escrow) (milestoneRows, error) {
	var out milestoneRows
	for i, m := range e.Milestones {
		out.milestones = append(out.milestones, milestoneModel{
			MilestoneID:    m.MilestoneID,
			EscrowID:       e.EscrowID,
			Title:          m.Title,
			Allocation:     m.Allocation,
			Currency:       m.Currency,
			DurationMonths: m.DurationMonths,
			StartDate:      m.StartDate,
			EndDate:        m.EndDate,
			ReleaseDay:     m.ReleaseDay,
			Position:       i,
		})
		for j, r := range m.Recipients {
			out.recipients = append(out.recipients, milestoneRecipientModel{
				MilestoneID:  m.MilestoneID,
				RecipientID:  r.RecipientID,
				Principal:    r.Principal,
				DisplayName:  r.DisplayName,
				SharePercent: r.SharePercent,
				Position:     j,
			})
			months := make([]int, 0, len(r.Proofs))
			for month := range r.Proofs {
				months = append(months, month)
			}
			sort.Ints(months)
			for _, month := range months {
				proof := r.Proofs[month]
				attachments, err := json.Marshal(proof.Attachments)
				if err != nil {
					return milestoneRows{}, fmt.Errorf("marshal attachments: %w", err)
				}
				out.proofs = append(out.proofs, proofModel{
					MilestoneID: m.MilestoneID,
					RecipientID: r.RecipientID,
					MonthNumber: month,
					Description: proof.Description,
					Attachments: string(attachments),
					SubmittedAt: proof.SubmittedAt,
				})
			}
		}
		for j, rp := range m.ReleasePayments {
			out.releases = append(out.releases, releasePaymentModel{
				ReleaseID:   rp.ReleaseID,
				MilestoneID: m.MilestoneID,
				MonthNumber: rp.MonthNumber,
				Total:       rp.Total,
				ReleasedAt:  rp.ReleasedAt,
				Position:    j,
			})
			for k, pay := range rp.Recipients {
				out.recipientPayments = append(out.recipientPayments, recipientPaymentModel{
					ReleaseID:     rp.ReleaseID,
					RecipientID:   pay.RecipientID,
					Name:          pay.Name,
					Amount:        pay.Amount,
					Status:        string(pay.Status),
					FailureReason: pay.FailureReason,
					Position:      k,
				})
			}
		}
	}
	return out, nil
}

func assembleEscrow(
	row escrowModel,
	recipients []escrowRecipientModel,
	milestones []milestoneModel,
	milestoneRecipients []milestoneRecipientModel,
	proofs []proofModel,
	releases []releasePaymentModel,
	recipientPayments []recipientPaymentModel,
) (domain.Escrow, error) {
	escrow := domain.Escrow{
		EscrowID:                       row.EscrowID,
		SettlementRef:                  row.SettlementRef,
		PayerPrincipal:                 row.PayerPrincipal,
		Title:                          row.Title,
		Kind:                           domain.EscrowKind(row.Kind),
		Status:                         domain.EscrowStatus(row.Status),
		Currency:                       row.Currency,
		Allocation:                     row.Allocation,
		ClientApprovedSignedContractAt: row.PayerApprovedAt,
		CreatedAt:                      row.CreatedAt,
		UpdatedAt:                      row.UpdatedAt,
	}

	sort.Slice(recipients, func(i, j int) bool { return recipients[i].Position < recipients[j].Position })
	for _, r := range recipients {
		escrow.Recipients = append(escrow.Recipients, domain.GlobalRecipient{
			RecipientID:      r.RecipientID,
			Principal:        r.Principal,
			DisplayName:      r.DisplayName,
			SignedContractAt: r.SignedContractAt,
			PaidAt:           r.PaidAt,
		})
	}

	paymentsByRelease := make(map[string][]recipientPaymentModel)
	for _, p := range recipientPayments {
		paymentsByRelease[p.ReleaseID.String()] = append(paymentsByRelease[p.ReleaseID.String()], p)
	}
	releasesByMilestone := make(map[string][]releasePaymentModel)
	for _, r := range releases {
		releasesByMilestone[r.MilestoneID.String()] = append(releasesByMilestone[r.MilestoneID.String()], r)
	}
	recipientsByMilestone := make(map[string][]milestoneRecipientModel)
	for _, r := range milestoneRecipients {
		recipientsByMilestone[r.MilestoneID.String()] = append(recipientsByMilestone[r.MilestoneID.String()], r)
	}
	proofsByMilestoneRecipient := make(map[string][]proofModel)
	for _, p := range proofs {
		key := p.MilestoneID.String() + "/" + p.RecipientID.String()
		proofsByMilestoneRecipient[key] = append(proofsByMilestoneRecipient[key], p)
	}

	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Position < milestones[j].Position })
	for _, m := range milestones {
		milestone := domain.Milestone{
			MilestoneID:    m.MilestoneID,
			Title:          m.Title,
			Allocation:     m.Allocation,
			Currency:       m.Currency,
			DurationMonths: m.DurationMonths,
			StartDate:      m.StartDate,
			EndDate:        m.EndDate,
			ReleaseDay:     m.ReleaseDay,
		}

		mr := recipientsByMilestone[m.MilestoneID.String()]
		sort.Slice(mr, func(i, j int) bool { return mr[i].Position < mr[j].Position })
		for _, r := range mr {
			recipient := domain.MilestoneRecipient{
				RecipientID:  r.RecipientID,
				Principal:    r.Principal,
				DisplayName:  r.DisplayName,
				SharePercent: r.SharePercent,
			}
			key := m.MilestoneID.String() + "/" + r.RecipientID.String()
			for _, p := range proofsByMilestoneRecipient[key] {
				var attachments []domain.AttachmentRef
				if p.Attachments != "" {
					if err := json.Unmarshal([]byte(p.Attachments), &attachments); err != nil {
						return domain.Escrow{}, fmt.Errorf("unmarshal attachments: %w", err)
					}
				}
				if recipient.Proofs == nil {
					recipient.Proofs = make(map[int]domain.ProofOfWork)
				}
				recipient.Proofs[p.MonthNumber] = domain.ProofOfWork{
					Description: p.Description,
					Attachments: attachments,
					SubmittedAt: p.SubmittedAt,
				}
			}
			milestone.Recipients = append(milestone.Recipients, recipient)
		}

		rps := releasesByMilestone[m.MilestoneID.String()]
		sort.Slice(rps, func(i, j int) bool { return rps[i].Position < rps[j].Position })
		for _, rp := range rps {
			release := domain.ReleasePayment{
				ReleaseID:   rp.ReleaseID,
				MonthNumber: rp.MonthNumber,
				Total:       rp.Total,
				ReleasedAt:  rp.ReleasedAt,
			}
			pays := paymentsByRelease[rp.ReleaseID.String()]
			sort.Slice(pays, func(i, j int) bool { return pays[i].Position < pays[j].Position })
			for _, pay := range pays {
				release.Recipients = append(release.Recipients, domain.RecipientPayment{
					RecipientID:   pay.RecipientID,
					Name:          pay.Name,
					Amount:        pay.Amount,
					Status:        domain.RecipientPaymentStatus(pay.Status),
					FailureReason: pay.FailureReason,
				})
			}
			milestone.ReleasePayments = append(milestone.ReleasePayments, release)
		}

		escrow.Milestones = append(escrow.Milestones, milestone)
	}
	return escrow, nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
