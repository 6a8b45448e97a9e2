package license

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"

	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/policy"
	"entitlecli/pkg/contracts/domain"
)

// writeCheckout signs a checkout for boundTo and writes it to dir/name
func (suite *SessionTestSuite) writeCheckout(name, boundTo string, mutate func(c *policy.Claims)) string {
	c := baseClaims()
	c.ID = "checkout-1"
	c.DeviceSignature = boundTo
	if mutate != nil {
		mutate(&c)
	}
	tok, cert := signClaims(suite.T(), c)

	path := filepath.Join(suite.T().TempDir(), name)
	body := fmt.Sprintf("\n%s\n\n%s\n", tok, cert)
	suite.Require().NoError(os.WriteFile(path, []byte(body), 0600))
	return path
}

func (suite *SessionTestSuite) machineSignature() string {
	sig, err := suite.sigs.MachineSignature(testApp().DeviceID)
	suite.Require().NoError(err)
	return sig
}

func (suite *SessionTestSuite) TestImportCheckoutRejectsBadFiles() {
	dir := suite.T().TempDir()
	malformed := filepath.Join(dir, "broken.checkout")
	suite.Require().NoError(os.WriteFile(malformed, []byte("only-one-line\n"), 0600))
	garbage := filepath.Join(dir, "garbage.checkout")
	suite.Require().NoError(os.WriteFile(garbage, []byte("not.a.token\nAAAA\n"), 0600))

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.checkout")},
		{"wrong extension", suite.writeCheckout("policy.txt", suite.machineSignature(), nil)},
		{"single line", malformed},
		{"unverifiable token", garbage},
		{"unbound policy", suite.writeCheckout("unbound.checkout", "", nil)},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			result, err := suite.session.ImportCheckout(suite.ctx, tt.path)
			suite.Equal(ImportFormatError, result)
			suite.True(licenseErrors.IsKind(err, licenseErrors.KindImportFormat), "got %v", err)
			suite.ErrorIs(err, licenseErrors.ErrCheckoutFormat)
		})
	}

	suite.Require().NoError(suite.store.Open(suite.ctx))
	checkouts, err := suite.store.ListCheckouts(suite.ctx)
	suite.Require().NoError(err)
	suite.Empty(checkouts)
}

func (suite *SessionTestSuite) TestImportCheckoutForAnotherDevice() {
	path := suite.writeCheckout("other.checkout", "someone-elses-signature", nil)

	result, err := suite.session.ImportCheckout(suite.ctx, path)
	suite.Equal(ImportDeviceMismatch, result)
	suite.Equal(-2, int(result))
	suite.True(licenseErrors.IsKind(err, licenseErrors.KindDeviceMismatch))
	suite.ErrorIs(err, licenseErrors.ErrDeviceMismatch)
}

func (suite *SessionTestSuite) TestImportCheckoutWithoutSignatures() {
	s := suite.newSession(func(o *Options) { o.Signatures = nil })
	path := suite.writeCheckout("mine.checkout", suite.machineSignature(), nil)

	result, err := s.ImportCheckout(suite.ctx, path)
	suite.Equal(ImportFormatError, result)
	suite.True(licenseErrors.IsKind(err, licenseErrors.KindParam))
}

func (suite *SessionTestSuite) TestImportCheckoutStoresIt() {
	path := suite.writeCheckout("mine.checkout", suite.machineSignature(), nil)

	result, err := suite.session.ImportCheckout(suite.ctx, path)
	suite.Require().NoError(err)
	suite.Equal(ImportOK, result)
	suite.Equal("ok", result.String())
	suite.False(suite.store.IsOpen())

	suite.Require().NoError(suite.store.Open(suite.ctx))
	stored, err := suite.store.GetCheckout(suite.ctx, "checkout-1")
	suite.Require().NoError(err)
	suite.Require().NotNil(stored)
	suite.Equal("device-1", stored.DeviceID)
	suite.Equal([]string{"studio"}, stored.ProductIDs)
	suite.True(testNow.Equal(stored.ImportedAt))
}

func (suite *SessionTestSuite) TestImportCheckoutAcceptsUserSignature() {
	userSig, err := suite.sigs.UserSignature("alice", testApp().DeviceID)
	suite.Require().NoError(err)
	path := suite.writeCheckout("user.checkout", userSig, nil)

	result, err := suite.session.ImportCheckout(suite.ctx, path)
	suite.Equal(ImportDeviceMismatch, result)
	suite.Error(err)

	s := suite.newSession(func(o *Options) { o.Username = "alice" })
	result, err = s.ImportCheckout(suite.ctx, path)
	suite.Require().NoError(err)
	suite.Equal(ImportOK, result)
}

func (suite *SessionTestSuite) TestStartFromCheckout() {
	path := suite.writeCheckout("mine.checkout", suite.machineSignature(), nil)
	_, err := suite.session.ImportCheckout(suite.ctx, path)
	suite.Require().NoError(err)

	status, err := suite.session.StartApplication(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(domain.StatusOk, status)
	suite.Equal("checkout-1", suite.session.CurrentPolicy().ID())

	suite.True(suite.session.HeartbeatSnapshot(HeartbeatUsage).Stopped)
	suite.True(suite.session.HeartbeatSnapshot(HeartbeatPolicy).Stopped)
	suite.False(suite.session.HeartbeatSnapshot(HeartbeatLogPosting).Stopped)

	suite.Equal(domain.StatusOk, suite.session.GetLicenseStatus(suite.ctx))
	suite.NoError(suite.session.MarkFeature(suite.ctx, "render", nil))
	suite.provider.AssertNotCalled(suite.T(), "GetPolicyForUser", mock.Anything)
}

func (suite *SessionTestSuite) TestCheckoutSessionStopsMarkingAfterExpiry() {
	path := suite.writeCheckout("short.checkout", suite.machineSignature(), func(c *policy.Claims) {
		c.ExpiresAt = jwt.NewNumericDate(testNow.Add(2 * time.Hour))
	})
	_, err := suite.session.ImportCheckout(suite.ctx, path)
	suite.Require().NoError(err)

	status, err := suite.session.StartApplication(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(domain.StatusOk, status)
	suite.Require().NoError(suite.session.MarkFeature(suite.ctx, "render", nil))

	suite.clock.Advance(3 * time.Hour)
	suite.Equal(domain.StatusExpired, suite.session.GetLicenseStatus(suite.ctx))

	err = suite.session.MarkFeature(suite.ctx, "render", nil)
	suite.True(licenseErrors.IsKind(err, licenseErrors.KindNotEntitled), "got %v", err)
	suite.ErrorIs(err, licenseErrors.ErrStatusNotUsable)

	recs, err := suite.store.FeatureRecords(suite.ctx)
	suite.Require().NoError(err)
	suite.Len(recs, 1)
}

func (suite *SessionTestSuite) TestExpiredCheckoutIsIgnored() {
	path := suite.writeCheckout("short.checkout", suite.machineSignature(), func(c *policy.Claims) {
		c.ExpiresAt = jwt.NewNumericDate(testNow.Add(time.Hour))
	})
	_, err := suite.session.ImportCheckout(suite.ctx, path)
	suite.Require().NoError(err)

	suite.clock.Advance(2 * time.Hour)
	suite.provider.On("GetPolicyForUser", mock.Anything).Return(issuePolicy(suite.T(), nil), nil)

	status, err := suite.session.StartApplication(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(domain.StatusOk, status)
	suite.Equal("pol-1", suite.session.CurrentPolicy().ID())
	suite.False(suite.session.HeartbeatSnapshot(HeartbeatUsage).Stopped)
}

func (suite *SessionTestSuite) TestCheckoutForOtherProductIsIgnored() {
	path := suite.writeCheckout("other-product.checkout", suite.machineSignature(), func(c *policy.Claims) {
		c.Securables = []policy.Securable{{ProductID: "viewer", AllowOffline: true}}
	})
	_, err := suite.session.ImportCheckout(suite.ctx, path)
	suite.Require().NoError(err)

	suite.provider.On("GetPolicyForUser", mock.Anything).Return(nil, errUnreachable)
	status, err := suite.session.StartApplication(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(domain.StatusNotEntitled, status)
}
