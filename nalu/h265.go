package nalu

import "fmt"

// H.265/HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCBlaWLP     = 16
	HEVCIDRWRadl   = 19
	HEVCIDRNlp     = 20
	HEVCCraNut     = 21
	HEVCIRAPVCL23  = 23
	HEVCVPS        = 32
	HEVCSPS        = 33
	HEVCPPS        = 34
	HEVCAUD        = 35
	HEVCFillerData = 38
	HEVCSEIPrefix  = 39
)

// HEVCType extracts the NAL unit type from the first byte of an HEVC
// 2-byte NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe returns true if the NAL type represents an HEVC intra
// random access point (types 16 through 23: BLA, IDR, CRA, and reserved
// IRAP VCL types).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCBlaWLP && nalType <= HEVCIRAPVCL23
}

// HEVCSPSInfo holds the resolution and profile/tier/level extracted from an
// HEVC SPS NAL unit.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte
}

// CodecString returns an RFC 6381-style codec parameter string
// (e.g. "hev1.1.L93").
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}
	return fmt.Sprintf("hev1.%d.%s%d", s.ProfileIDC, tier, s.LevelIDC)
}

// ParseHEVCSPS parses an HEVC SPS NAL unit to extract resolution and
// profile/tier/level. The input should be the raw NAL data including the
// 2-byte NAL header.
func ParseHEVCSPS(nal []byte) (HEVCSPSInfo, error) {
	if len(nal) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nal[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return HEVCSPSInfo{}, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return HEVCSPSInfo{}, err
	}

	// profile_tier_level: general profile space(2) + tier(1) + profile_idc(5)
	general, err := br.readBits(8)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	tierFlag := byte(general>>5) & 1
	profileIdc := byte(general) & 0x1F

	if _, err := br.readBits(32); err != nil { // profile compatibility flags
		return HEVCSPSInfo{}, err
	}
	if _, err := br.readBits(48); err != nil { // constraint indicator flags
		return HEVCSPSInfo{}, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return HEVCSPSInfo{}, err
	}

	// sub-layer profile/level presence flags
	var subLayerProfilePresent, subLayerLevelPresent []bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		p, err := br.readBits(1)
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		l, err := br.readBits(1)
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		subLayerProfilePresent = append(subLayerProfilePresent, p == 1)
		subLayerLevelPresent = append(subLayerLevelPresent, l == 1)
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if _, err := br.readBits(2); err != nil { // reserved
				return HEVCSPSInfo{}, err
			}
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if subLayerProfilePresent[i] {
			if _, err := br.readBits(88); err != nil {
				return HEVCSPSInfo{}, err
			}
		}
		if subLayerLevelPresent[i] {
			if _, err := br.readBits(8); err != nil {
				return HEVCSPSInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return HEVCSPSInfo{}, err
	}

	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return HEVCSPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}

	conformanceWindow, err := br.readBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if conformanceWindow == 1 {
		left, err := br.readUE()
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		right, err := br.readUE()
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		top, err := br.readUE()
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		bottom, err := br.readUE()
		if err != nil {
			return HEVCSPSInfo{}, err
		}

		subWidthC, subHeightC := uint(1), uint(1)
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		}
		width -= subWidthC * (left + right)
		height -= subHeightC * (top + bottom)
	}

	return HEVCSPSInfo{
		Width:      int(width),
		Height:     int(height),
		ProfileIDC: profileIdc,
		TierFlag:   tierFlag,
		LevelIDC:   byte(levelIdc),
	}, nil
}
