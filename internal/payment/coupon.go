package payment

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/qs3c/reportflow/internal/model"
	"github.com/qs3c/reportflow/internal/model/dto"
	"github.com/qs3c/reportflow/internal/pkg/errs"
)

// ErrCouponRejected 优惠码无效
var ErrCouponRejected = errors.New("coupon rejected")

// ApplyCoupon 向后端校验优惠码，成功后替换 price 上已有的优惠券。
// 金额只用于展示，最终以 verify-payment 时服务端的校验为准。
func (o *Orchestrator) ApplyCoupon(ctx context.Context, t model.ServiceType, code string, price *model.Price) (model.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.Coupon{}, errs.New(errs.KindInvalid, "", "Please enter a coupon code.", ErrCouponRejected)
	}
	if price == nil {
		return model.Coupon{}, errs.New(errs.KindInvalid, "", "Price is not available yet. Please try again.", ErrCouponRejected)
	}

	token, err := o.tokens(ctx)
	if err != nil {
		return model.Coupon{}, errs.New(errs.KindAuth, "", "Unable to authenticate. Please sign in again.", err)
	}

	resp, err := o.api.ApplyCoupon(ctx, token, &dto.ApplyCouponRequest{
		Code:         code,
		Amount:       price.Base,
		AnalysisType: string(t),
	})
	if err != nil {
		log.Printf("Failed to apply coupon %s: %v", code, err)
		return model.Coupon{}, errs.New(errs.KindTransport, "", "Unable to apply coupon. Please try again.", err)
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "Invalid coupon code."
		}
		return model.Coupon{}, errs.New(errs.KindBusiness, "", msg, ErrCouponRejected)
	}

	coupon := model.Coupon{
		Code:           code,
		DiscountAmount: resp.Discount,
		FinalAmount:    resp.FinalAmount,
	}
	price.Apply(coupon)
	return coupon, nil
}
