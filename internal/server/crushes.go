package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crush-match/crush/internal/crushstore"
	"github.com/crush-match/crush/internal/social"
)

type crushRequest struct {
	ID     int64  `json:"id" binding:"required"`
	Domain string `json:"domain"`
}

func (request crushRequest) reference() social.UserRef {
	return social.UserRef{ID: request.ID, Domain: request.Domain}
}

// addCrush declares a crush from the current account on the given user
// and reports whether the pair is already reciprocated.
func (handler coreHandler) addCrush(ginContext *gin.Context) {
	currentAccount, hasCurrent := handler.accounts.Current()
	if !hasCurrent {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": errorMessageNoCurrentAccount})
		return
	}
	var request crushRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMessageUnexpected})
		return
	}

	requestContext := ginContext.Request.Context()
	ownerReference := currentAccount.Ref()
	if err := handler.crushes.AddCrush(requestContext, currentAccount.Kind, ownerReference, request.reference()); err != nil {
		handler.abortWithError(ginContext, logMessageCrushFailure, err)
		return
	}
	mutual, err := handler.crushes.CheckIfCrushIsMutual(requestContext, currentAccount.Kind, ownerReference, request.reference())
	if err != nil {
		handler.abortWithError(ginContext, logMessageCrushFailure, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"mutual": mutual})
}

// deleteCrush withdraws a declaration. A cooldown rejection carries the
// remaining wait broken into days, hours, and minutes.
func (handler coreHandler) deleteCrush(ginContext *gin.Context) {
	currentAccount, hasCurrent := handler.accounts.Current()
	if !hasCurrent {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": errorMessageNoCurrentAccount})
		return
	}
	var request crushRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMessageUnexpected})
		return
	}

	err := handler.crushes.DeleteCrush(ginContext.Request.Context(), currentAccount.Kind, currentAccount.Ref(), request.reference())
	var cooldownError *crushstore.CooldownError
	if errors.As(err, &cooldownError) {
		days, hours, minutes := cooldownError.Breakdown()
		ginContext.JSON(http.StatusConflict, gin.H{
			"error": cooldownError.Error(),
			"cooldown": gin.H{
				"days":    days,
				"hours":   hours,
				"minutes": minutes,
			},
		})
		return
	}
	if err != nil {
		handler.abortWithError(ginContext, logMessageCrushFailure, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"deleted": true})
}
