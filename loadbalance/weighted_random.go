package loadbalance

import (
	"math/rand/v2"
	"strconv"

	"eureka-client/instance"
)

// WeightMetadataKey holds an instance's relative weight; missing or invalid means 1.
const WeightMetadataKey = "weight"

// MaxWeight caps a single weight so the sum over any instance list fits in an int.
const MaxWeight = 1 << 20

type WeightedRandomBalancer struct{}

func weight(rec *instance.Record) int {
	w, err := strconv.Atoi(rec.Metadata[WeightMetadataKey])
	if err != nil || w < 0 {
		return 1
	}
	return min(w, MaxWeight)
}

func (b *WeightedRandomBalancer) Pick(_ string, instances []instance.Record) (*instance.Record, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for i := range instances {
		totalWeight += weight(&instances[i])
	}
	// 全部权重为 0 时退化为均匀随机
	if totalWeight == 0 {
		return &instances[rand.IntN(len(instances))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= weight(&instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
