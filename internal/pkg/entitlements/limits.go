package entitlements

import "github.com/ManuelReschke/ReelBoard/app/models"

// Limits is the quota view of a plan. models.Unlimited (-1) lifts a cap.
type Limits struct {
	MaxBoards         int  `json:"max_boards"`
	MaxItemsPerBoard  int  `json:"max_items_per_board"`
	DailyPreviewQuota int  `json:"daily_preview_quota"`
	SharingAllowed    bool `json:"sharing_allowed"`
	AdsShown          bool `json:"ads_shown"`
}

func LimitsFor(plan *models.Plan) Limits {
	if plan == nil {
		return Limits{AdsShown: true}
	}
	return Limits{
		MaxBoards:         plan.MaxBoards,
		MaxItemsPerBoard:  plan.MaxItemsPerBoard,
		DailyPreviewQuota: plan.DailyPreviewQuota,
		SharingAllowed:    plan.SharingAllowed,
		AdsShown:          plan.AdsShown,
	}
}

func (l Limits) CanCreateBoard(current int) bool {
	return within(l.MaxBoards, current)
}

func (l Limits) CanAddItem(currentInBoard int) bool {
	return within(l.MaxItemsPerBoard, currentInBoard)
}

func (l Limits) CanPreview(usedToday int) bool {
	return within(l.DailyPreviewQuota, usedToday)
}

func within(limit, used int) bool {
	if limit == models.Unlimited {
		return true
	}
	return used < limit
}
