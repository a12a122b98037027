package codec

import (
	"testing"

	"github.com/p2pnode/node/capability"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDecodeAuthenticated(t *testing.T) {
	Convey("Decoding AUTHENTICATED", t, func() {
		Convey("accepts a full configuration", func() {
			data := []byte(`{"rtcConfiguration":{
				"iceServers":[{"urls":["stun:stun.example.com"],"username":"u","password":"p"}],
				"iceTransportPolicy":"relay",
				"bundlePolicy":"max-bundle",
				"rtcpMuxPolicy":"require",
				"iceCandidatePoolSize":4
			}}`)
			cfg, err := DecodeAuthenticated(data)
			So(err, ShouldBeNil)
			So(cfg.ICEServers, ShouldHaveLength, 1)
			So(cfg.ICEServers[0].Username, ShouldEqual, "u")
			So(cfg.ICETransportPolicy, ShouldEqual, "relay")
			So(cfg.BundlePolicy, ShouldEqual, "max-bundle")
			So(cfg.RTCPMuxPolicy, ShouldEqual, "require")
			So(cfg.ICECandidatePoolSize, ShouldEqual, 4)
		})

		Convey("accepts a minimal configuration with no policy fields", func() {
			data := []byte(`{"rtcConfiguration":{"iceServers":[]}}`)
			cfg, err := DecodeAuthenticated(data)
			So(err, ShouldBeNil)
			So(cfg.ICEServers, ShouldBeEmpty)
			So(cfg.ICETransportPolicy, ShouldEqual, "")
		})

		Convey("rejects a missing rtcConfiguration", func() {
			_, err := DecodeAuthenticated([]byte(`{}`))
			So(err, ShouldNotBeNil)
		})

		Convey("ignores an unknown iceTransportPolicy", func() {
			data := []byte(`{"rtcConfiguration":{"iceTransportPolicy":"bogus"}}`)
			cfg, err := DecodeAuthenticated(data)
			So(err, ShouldBeNil)
			So(cfg.ICETransportPolicy, ShouldEqual, "")
		})

		Convey("ignores an unknown bundlePolicy", func() {
			data := []byte(`{"rtcConfiguration":{"bundlePolicy":"bogus"}}`)
			cfg, err := DecodeAuthenticated(data)
			So(err, ShouldBeNil)
			So(cfg.BundlePolicy, ShouldEqual, "")
		})

		Convey("ignores an unknown rtcpMuxPolicy", func() {
			data := []byte(`{"rtcConfiguration":{"rtcpMuxPolicy":"bogus"}}`)
			cfg, err := DecodeAuthenticated(data)
			So(err, ShouldBeNil)
			So(cfg.RTCPMuxPolicy, ShouldEqual, "")
		})
	})
}

func TestEncodeRTCConfigurationRoundTrips(t *testing.T) {
	Convey("Encoding then decoding an RTCConfiguration", t, func() {
		cfg := capability.RTCConfiguration{
			ICEServers: []capability.ICEServer{
				{URLs: []string{"stun:stun.example.com"}, Username: "u", Password: "p"},
			},
			ICETransportPolicy:   "relay",
			BundlePolicy:         "max-bundle",
			RTCPMuxPolicy:        "require",
			ICECandidatePoolSize: 4,
		}

		body, err := EncodeRTCConfiguration(cfg)
		So(err, ShouldBeNil)

		wrapped := []byte(`{"rtcConfiguration":` + string(body) + `}`)
		decoded, err := DecodeAuthenticated(wrapped)
		So(err, ShouldBeNil)
		So(decoded, ShouldResemble, cfg)
	})
}
